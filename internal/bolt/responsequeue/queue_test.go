package responsequeue

import "testing"

func TestQueueFIFOOrder(t *testing.T) {
	var q Queue
	r1 := New("run", Handlers{})
	r2 := New("pull", Handlers{})
	q.Append(r1)
	q.Append(r2)

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	if q.Head() != r1 {
		t.Fatalf("Head() should be first-appended response")
	}
	if q.Tail() != r2 {
		t.Fatalf("Tail() should be last-appended response")
	}
	if popped := q.Pop(); popped != r1 {
		t.Fatalf("Pop() = %v, want r1", popped)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() after pop = %d, want 1", q.Len())
	}
	if popped := q.Pop(); popped != r2 {
		t.Fatalf("Pop() = %v, want r2", popped)
	}
	if q.Pop() != nil {
		t.Fatal("Pop() on empty queue should return nil")
	}
	if q.Head() != nil {
		t.Fatal("Head() on empty queue should return nil")
	}
}

func TestResponseRecordsDoesNotComplete(t *testing.T) {
	var recordsSeen [][]any
	var summaryFired bool
	r := New("run", Handlers{
		OnRecords: func(records [][]any) { recordsSeen = records },
		OnSummary: func() { summaryFired = true },
	})
	r.Records([][]any{{int64(1), "a"}})
	if len(recordsSeen) != 1 {
		t.Fatalf("OnRecords not delivered")
	}
	if summaryFired {
		t.Fatal("OnSummary must not fire on Records")
	}
}

func TestResponseSuccessFiresSummaryOnlyWithoutHasMore(t *testing.T) {
	var summaryCount int
	r := New("pull", Handlers{OnSummary: func() { summaryCount++ }})

	r.Success(map[string]any{"has_more": true})
	if summaryCount != 0 {
		t.Fatalf("OnSummary must not fire while has_more is true, fired %d times", summaryCount)
	}

	r.Success(map[string]any{})
	if summaryCount != 1 {
		t.Fatalf("OnSummary should fire once has_more is absent, fired %d times", summaryCount)
	}
}

func TestResponseFailureReturnsHandlerError(t *testing.T) {
	sentinel := errTest("boom")
	var summaryFired bool
	r := New("run", Handlers{
		OnFailure: func(metadata map[string]any) error { return sentinel },
		OnSummary: func() { summaryFired = true },
	})
	err := r.Failure(map[string]any{"code": "Neo.ClientError.Statement.SyntaxError"})
	if err != sentinel {
		t.Fatalf("Failure() = %v, want sentinel", err)
	}
	if !summaryFired {
		t.Fatal("OnSummary should fire on Failure")
	}
}

func TestResponseIgnoredFiresSummary(t *testing.T) {
	var ignored, summary bool
	r := New("commit", Handlers{
		OnIgnored: func(map[string]any) { ignored = true },
		OnSummary: func() { summary = true },
	})
	r.Ignored(map[string]any{})
	if !ignored || !summary {
		t.Fatalf("ignored=%v summary=%v, want both true", ignored, summary)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
