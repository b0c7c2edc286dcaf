package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const defaultBlock = 100

// BoltProvider persists counters in a bbolt file, one bucket per sequence
// name. Values are reserved in blocks so most calls do not touch the file; a
// crash skips at most one unused block.
type BoltProvider struct {
	db    *bolt.DB
	block int64

	mu   sync.Mutex
	seqs map[string]*boltSequence
}

// OpenBolt opens (or creates) the counter file at path. block is the number
// of values reserved per write; zero or negative uses 100.
func OpenBolt(path string, block int) (*BoltProvider, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("sequence: open %s: %w", path, err)
	}
	if block <= 0 {
		block = defaultBlock
	}
	return &BoltProvider{db: db, block: int64(block), seqs: map[string]*boltSequence{}}, nil
}

func (p *BoltProvider) Sequence(name string) (Sequencer, error) {
	if name == "" {
		return nil, fmt.Errorf("sequence: empty name")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.seqs[name]
	if !ok {
		s = &boltSequence{db: p.db, bucket: []byte(name), block: p.block}
		p.seqs[name] = s
	}
	return s, nil
}

// Close releases the file. Unused reserved values are lost.
func (p *BoltProvider) Close() error { return p.db.Close() }

type boltSequence struct {
	db     *bolt.DB
	bucket []byte
	block  int64

	mu   sync.Mutex
	next int64
	max  int64
}

func (s *boltSequence) Next(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 || s.next > s.max {
		if err := s.reserve(); err != nil {
			return 0, err
		}
	}
	v := s.next
	s.next++
	return v, nil
}

// reserve claims the next block of values by advancing the bucket sequence.
func (s *boltSequence) reserve() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return fmt.Errorf("sequence %s: %w", s.bucket, err)
		}
		cur := int64(b.Sequence())
		if err := b.SetSequence(uint64(cur + s.block)); err != nil {
			return fmt.Errorf("sequence %s: reserve: %w", s.bucket, err)
		}
		s.next, s.max = cur+1, cur+s.block
		return nil
	})
}
