package storage

import (
	"context"
	"sync"

	"github.com/thinkermao/wal-go"

	"github.com/thinkermao/raftcore/raft/raftpd"
	"github.com/thinkermao/raftcore/utils/pd"
)

// Wal persists state images through a write-ahead log on disk. Each
// Write appends the whole encoded image as one record and syncs before
// returning; Open replays the log and keeps the last decodable image.
type Wal[S, C any] struct {
	mutex sync.Mutex
	wal   *wal.Wal
	seq   uint64
}

// Create build an empty write-ahead log at dir for a fresh member.
func Create[S, C any](dir string) (*Wal[S, C], error) {
	w, err := wal.Create(dir, 0)
	if err != nil {
		return nil, err
	}
	return &Wal[S, C]{wal: w}, nil
}

// Open replay the write-ahead log at dir and return the backend along
// with the last image it holds. ok is false for a log that was created
// but never written.
func Open[S, C any](dir string) (
	*Wal[S, C], raftpd.PersistentState[S, C], bool, error) {
	var last raftpd.PersistentState[S, C]
	var seq uint64
	ok := false

	reader := func(index uint64, data []byte) {
		var image raftpd.PersistentState[S, C]
		if pd.MaybeUnmarshal(&image, data) {
			last = image
			seq = index
			ok = true
		}
	}

	w, err := wal.Open(dir, 0, reader)
	if err != nil {
		return nil, last, false, err
	}
	return &Wal[S, C]{wal: w, seq: seq}, last, ok, nil
}

// Write append the image and sync. The write itself cannot be
// abandoned once issued; a cancelled context only reports that the
// caller stopped waiting.
func (s *Wal[S, C]) Write(
	ctx context.Context, state *raftpd.PersistentState[S, C]) error {
	data, err := pd.Marshal(state)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.seq++
	written := s.wal.Write(s.seq, data)
	select {
	case err = <-written:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	synced := s.wal.Sync()
	select {
	case err = <-synced:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
