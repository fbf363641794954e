package locks

import (
	"errors"
	"testing"
	"time"
)

func TestGreedinessRecalled(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from     Greediness
		interest ServerLockLevel
		lease    int64
		pending  bool
		want     Greediness
	}{
		{GreedyRead, ServerWrite, 0, false, RecalledRead},
		{GreedyRead, ServerRead, 0, false, GreedyRead},
		{GreedyWrite, ServerRead, 0, false, RecalledWriteForRead},
		{GreedyWrite, ServerWrite, 0, false, RecalledWrite},
		{GreedyWrite, ServerWrite, 10, true, GreedyWrite},
		{GreedyWrite, ServerWrite, 10, false, RecalledWrite},
		{RecalledWriteForRead, ServerWrite, 0, false, RecalledWrite},
		{WriteRecallForReadInProgress, ServerWrite, 0, false, WriteRecallInProgress},
		{WriteRecallInProgress, ServerRead, 0, false, WriteRecallInProgress},
		{Free, ServerWrite, 0, false, Free},
	}
	for _, tc := range cases {
		got := tc.from.recalled(tc.interest, time.Duration(tc.lease)*time.Millisecond, tc.pending)
		if got != tc.want {
			t.Fatalf("%s.recalled(%s, lease=%d, pending=%v) = %s, want %s", tc.from, tc.interest, tc.lease, tc.pending, got, tc.want)
		}
	}
}

func TestGreedinessAwardAndRequest(t *testing.T) {
	t.Parallel()
	if g, _ := Free.awarded(ServerRead); g != GreedyRead {
		t.Fatalf("Free awarded read = %s", g)
	}
	if g, _ := Free.awarded(ServerWrite); g != GreedyWrite {
		t.Fatalf("Free awarded write = %s", g)
	}
	if g, _ := GreedyRead.awarded(ServerWrite); g != GreedyWrite {
		t.Fatalf("GreedyRead awarded write = %s", g)
	}
	if _, err := Garbage.awarded(ServerRead); !errors.Is(err, ErrGarbageLock) {
		t.Fatalf("expected garbage award error, got %v", err)
	}
	if g, _ := GreedyRead.requested(ServerWrite); g != RecalledRead {
		t.Fatalf("GreedyRead requested write = %s", g)
	}
	if g, _ := GreedyWrite.requested(ServerRead); g != GreedyWrite {
		t.Fatalf("GreedyWrite requested read = %s", g)
	}
	if _, err := Garbage.requested(ServerRead); !errors.Is(err, ErrGarbageLock) {
		t.Fatalf("expected garbage request error, got %v", err)
	}
}

func TestGreedinessCommitAndGarbage(t *testing.T) {
	t.Parallel()
	commits := map[Greediness]Greediness{
		RecalledRead:                 Free,
		RecalledWrite:                Free,
		ReadRecallInProgress:         Free,
		WriteRecallInProgress:        Free,
		RecalledWriteForRead:         GreedyRead,
		WriteRecallForReadInProgress: GreedyRead,
	}
	for from, want := range commits {
		if got := from.recallCommitted(); got != want {
			t.Fatalf("%s.recallCommitted() = %s, want %s", from, got, want)
		}
	}
	if Free.markAsGarbage() != Garbage {
		t.Fatalf("Free should become garbage")
	}
	if GreedyRead.markAsGarbage() != GreedyRead {
		t.Fatalf("a held lease must not become garbage")
	}
}

func TestGreedinessPredicates(t *testing.T) {
	t.Parallel()
	if !GreedyWrite.CanAward(LevelWrite) || !GreedyWrite.CanAward(LevelRead) {
		t.Fatalf("GreedyWrite should award every level")
	}
	if GreedyRead.CanAward(LevelWrite) || !GreedyRead.CanAward(LevelRead) {
		t.Fatalf("GreedyRead should award read only")
	}
	if RecalledWrite.CanAward(LevelRead) {
		t.Fatalf("a recalled lease must not award locally")
	}
	for _, g := range []Greediness{RecalledRead, RecalledWrite, RecalledWriteForRead, ReadRecallInProgress} {
		if !g.FlushOnUnlock() {
			t.Fatalf("%s should flush on unlock", g)
		}
	}
	if GreedyWrite.FlushOnUnlock() || Free.FlushOnUnlock() {
		t.Fatalf("unrecalled states should not flush on unlock")
	}
	if _, ok := Free.context("l", "c"); ok {
		t.Fatalf("Free has no lease context")
	}
	ctx, ok := RecalledWriteForRead.context("l", "c")
	if !ok || ctx.State != StateGreedyHolderWrite || ctx.Thread != VMThread {
		t.Fatalf("unexpected lease context %v", ctx)
	}
}
