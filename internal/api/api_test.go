package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/voxweave/voxweave/internal/settings"
	"github.com/voxweave/voxweave/internal/store"
)

func TestRespond(t *testing.T) {
	rec := httptest.NewRecorder()
	respond(rec, http.StatusCreated, map[string]string{"id": "j1"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["id"] != "j1" {
		t.Errorf("body = %v", body)
	}
}

func TestRespond_NilBody(t *testing.T) {
	rec := httptest.NewRecorder()
	respond(rec, http.StatusNoContent, nil)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestFail_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("get job: %w", store.ErrNotFound), http.StatusNotFound},
		{"unknown setting", settings.ErrUnknownKey, http.StatusBadRequest},
		{"anything else", fmt.Errorf("pool exhausted"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			fail(rec, tc.err)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" {
				t.Error("error body missing message")
			}
		})
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"kind":"synthesis","typo":"oops"}`))

	var body createJobRequest
	if err := decode(r, &body); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestDecode_ValidBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"kind":"synthesis","chapterId":"ch1","segmentIds":["s1","s2"]}`))

	var body createJobRequest
	if err := decode(r, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "synthesis" || body.ChapterID != "ch1" || len(body.SegmentIDs) != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestParseChannels(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"jobs", []string{"jobs"}},
		{"jobs,engines", []string{"jobs", "engines"}},
		{" jobs , engines ", []string{"jobs", "engines"}},
		{"jobs,,", []string{"jobs"}},
	}
	for _, tc := range tests {
		if got := parseChannels(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseChannels(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
