package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lunasched/lunasched/internal/model"
)

func TestNotifyWebhookDeliversPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New()
	job := model.Job{Name: "etl-job"}
	n.Notify(context.Background(), job, EventSuccess, "done", []model.NotificationTarget{
		{Channel: "webhook", Address: srv.URL},
	})

	if got["job_name"] != "etl-job" || got["event"] != EventSuccess {
		t.Fatalf("got payload %+v", got)
	}
}

func TestNotifyDiscordUsesEmbeds(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New()
	job := model.Job{Name: "etl-job"}
	n.Notify(context.Background(), job, EventFailure, "boom", []model.NotificationTarget{
		{Channel: "discord", Address: srv.URL},
	})

	embeds, ok := got["embeds"].([]any)
	if !ok || len(embeds) != 1 {
		t.Fatalf("got payload %+v", got)
	}
}

func TestNotifyUnknownChannelDoesNotPanic(t *testing.T) {
	n := New()
	job := model.Job{Name: "etl-job"}
	n.Notify(context.Background(), job, EventSuccess, "done", []model.NotificationTarget{
		{Channel: "carrier-pigeon", Address: "n/a"},
	})
}

func TestHookRunnerRunsConfiguredCommand(t *testing.T) {
	r := NewHookRunner()
	job := model.Job{Name: "etl-job", Hooks: model.Hooks{OnSuccessCmd: "true"}}
	ran, err := r.RunSuccess(context.Background(), job)
	if !ran || err != nil {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
}

func TestHookRunnerSkipsUnconfigured(t *testing.T) {
	r := NewHookRunner()
	job := model.Job{Name: "etl-job"}
	ran, err := r.RunSuccess(context.Background(), job)
	if ran || err != nil {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
}

func TestHookRunnerReportsFailure(t *testing.T) {
	r := NewHookRunner()
	job := model.Job{Name: "etl-job", Hooks: model.Hooks{OnFailureCmd: "false"}}
	ran, err := r.RunFailure(context.Background(), job)
	if !ran || err == nil {
		t.Fatalf("expected ran=true err!=nil, got ran=%v err=%v", ran, err)
	}
}
