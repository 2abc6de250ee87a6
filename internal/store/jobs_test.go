package store

import (
	"testing"

	"github.com/voxweave/voxweave/internal/job"
)

func TestDecodeItems_CamelCase(t *testing.T) {
	blob := []byte(`[{"id":"s1","jobStatus":"completed"},{"id":"s2","jobStatus":"pending"}]`)

	items, err := decodeItems(blob)
	if err != nil {
		t.Fatalf("decodeItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].SegmentID != "s1" || items[0].Status != job.ItemCompleted {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].SegmentID != "s2" || items[1].Status != job.ItemPending {
		t.Errorf("items[1] = %+v", items[1])
	}
}

func TestDecodeItems_LegacySnakeCase(t *testing.T) {
	// Rows written by older releases carry job_status.
	blob := []byte(`[{"id":"s1","job_status":"completed"},{"id":"s2","job_status":"pending"}]`)

	items, err := decodeItems(blob)
	if err != nil {
		t.Fatalf("decodeItems: %v", err)
	}
	if items[0].Status != job.ItemCompleted || items[1].Status != job.ItemPending {
		t.Errorf("items = %+v", items)
	}
}

func TestDecodeItems_MissingStatusDefaultsPending(t *testing.T) {
	blob := []byte(`[{"id":"s1"}]`)

	items, err := decodeItems(blob)
	if err != nil {
		t.Fatalf("decodeItems: %v", err)
	}
	if items[0].Status != job.ItemPending {
		t.Errorf("status = %q, want pending", items[0].Status)
	}
}

func TestDecodeItems_Empty(t *testing.T) {
	items, err := decodeItems(nil)
	if err != nil {
		t.Fatalf("decodeItems(nil): %v", err)
	}
	if items != nil {
		t.Errorf("items = %+v, want nil", items)
	}
}

func TestEncodeItems_WritesCamelCase(t *testing.T) {
	blob, err := encodeItems([]job.WorkItem{
		{SegmentID: "s1", Status: job.ItemCompleted},
	})
	if err != nil {
		t.Fatalf("encodeItems: %v", err)
	}
	want := `[{"id":"s1","jobStatus":"completed"}]`
	if string(blob) != want {
		t.Errorf("blob = %s, want %s", blob, want)
	}
}

func TestEncodeDecode_RoundTripPreservesOrder(t *testing.T) {
	in := []job.WorkItem{
		{SegmentID: "s3", Status: job.ItemPending},
		{SegmentID: "s1", Status: job.ItemCompleted},
		{SegmentID: "s2", Status: job.ItemPending},
	}
	blob, err := encodeItems(in)
	if err != nil {
		t.Fatalf("encodeItems: %v", err)
	}
	out, err := decodeItems(blob)
	if err != nil {
		t.Fatalf("decodeItems: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("item %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}
