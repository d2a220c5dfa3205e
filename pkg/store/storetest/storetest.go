// Package storetest holds the shared RunStore contract tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elliottng/sigmasight/pkg/store"
)

// Run exercises the RunStore contract against st. st must be empty.
func Run(t *testing.T, st store.RunStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)

	recs := []store.RunRecord{
		{RunID: "r1", PortfolioID: "p1", Status: store.StatusSucceeded, Iterations: 2, ModelCalls: 3, Output: []byte(`{"summary_markdown":"x"}`), Transcript: []byte(`[]`), StartedAt: base, FinishedAt: base.Add(time.Second)},
		{RunID: "r2", PortfolioID: "p1", Status: store.StatusFailed, Error: "MaxIterationsExceeded", Iterations: 10, StartedAt: base.Add(time.Minute), FinishedAt: base.Add(2 * time.Minute)},
		{RunID: "r3", PortfolioID: "p2", Status: store.StatusCancelled, StartedAt: base.Add(2 * time.Minute), FinishedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range recs {
		if err := st.SaveRun(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.RunID, err)
		}
	}

	got, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusSucceeded || got.ModelCalls != 3 || string(got.Output) != `{"summary_markdown":"x"}` {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.StartedAt.Equal(base) || !got.FinishedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("timestamps: %v %v", got.StartedAt, got.FinishedAt)
	}

	if _, err := st.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}

	list, err := st.ListRuns(ctx, "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].RunID != "r2" || list[1].RunID != "r1" {
		t.Fatalf("list p1: %+v", list)
	}
	all, err := st.ListRuns(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].RunID != "r3" {
		t.Fatalf("list all: %+v", all)
	}

	// overwrite
	recs[1].Status = store.StatusSucceeded
	recs[1].Error = ""
	if err := st.SaveRun(ctx, recs[1]); err != nil {
		t.Fatal(err)
	}
	got, err = st.GetRun(ctx, "r2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusSucceeded || got.Error != "" {
		t.Fatalf("overwrite not applied: %+v", got)
	}
}
