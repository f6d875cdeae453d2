package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/binwatch/binwatch/pkg/realtime"
)

type capturingFeed struct {
	mu       sync.Mutex
	subjects []string
	docs     [][]byte
}

func (f *capturingFeed) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.docs = append(f.docs, append([]byte(nil), data...))
	return nil
}

func (f *capturingFeed) all(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := make([]map[string]any, 0, len(f.docs))
	for _, data := range f.docs {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("unmarshaling change document: %v", err)
		}
		docs = append(docs, doc)
	}
	return docs
}

func (f *capturingFeed) last(t *testing.T) map[string]any {
	t.Helper()
	docs := f.all(t)
	if len(docs) == 0 {
		t.Fatal("no change document published")
	}
	return docs[len(docs)-1]
}

func newTestStore(t *testing.T) (*Store, *capturingFeed) {
	t.Helper()
	feed := &capturingFeed{}
	s, err := NewStore(filepath.Join(t.TempDir(), "bins.db"), feed, "bins.changes")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, feed
}

func TestCreateBinAssignsIDAndPublishesInsert(t *testing.T) {
	s, feed := newTestStore(t)

	created, err := s.CreateBin("alice", &realtime.BinRecord{Title: "Kitchen", Status: "empty"})
	if err != nil {
		t.Fatalf("CreateBin: %v", err)
	}
	if created.ID == "" {
		t.Error("created bin has no id")
	}
	if created.UserID != "alice" {
		t.Errorf("user id = %q", created.UserID)
	}
	if created.CreatedAt.IsZero() {
		t.Error("created bin has no creation time")
	}

	doc := feed.last(t)
	if doc["operation"] != "INSERT" {
		t.Errorf("operation = %v", doc["operation"])
	}
	if doc["id"] == "" || doc["id"] == nil {
		t.Error("change document has no event id")
	}
	record := doc["record"].(map[string]any)
	if record["title"] != "Kitchen" || record["user_id"] != "alice" {
		t.Errorf("record = %v", record)
	}
	if feed.subjects[0] != "bins.changes" {
		t.Errorf("subject = %q", feed.subjects[0])
	}
}

func TestUpdateBinPublishesOldAndNewRecords(t *testing.T) {
	s, feed := newTestStore(t)

	created, err := s.CreateBin("alice", &realtime.BinRecord{Title: "Kitchen", Status: "empty"})
	if err != nil {
		t.Fatalf("CreateBin: %v", err)
	}

	updates := *created
	updates.Status = "full"
	updates.UserID = "mallory" // must be ignored
	updated, err := s.UpdateBin("alice", created.ID, &updates)
	if err != nil {
		t.Fatalf("UpdateBin: %v", err)
	}
	if updated.Status != "full" {
		t.Errorf("status = %q", updated.Status)
	}
	if updated.UserID != "alice" {
		t.Errorf("ownership changed to %q", updated.UserID)
	}

	doc := feed.last(t)
	if doc["operation"] != "UPDATE" {
		t.Errorf("operation = %v", doc["operation"])
	}
	record := doc["record"].(map[string]any)
	oldRecord := doc["old_record"].(map[string]any)
	if record["status"] != "full" || oldRecord["status"] != "empty" {
		t.Errorf("record status = %v, old = %v", record["status"], oldRecord["status"])
	}
}

func TestDeleteBinPublishesOldRecordOnly(t *testing.T) {
	s, feed := newTestStore(t)

	created, err := s.CreateBin("alice", &realtime.BinRecord{Title: "Garage"})
	if err != nil {
		t.Fatalf("CreateBin: %v", err)
	}
	if err := s.DeleteBin("alice", created.ID); err != nil {
		t.Fatalf("DeleteBin: %v", err)
	}

	doc := feed.last(t)
	if doc["operation"] != "DELETE" {
		t.Errorf("operation = %v", doc["operation"])
	}
	if _, ok := doc["record"]; ok {
		t.Error("DELETE document should not carry a new record")
	}
	oldRecord := doc["old_record"].(map[string]any)
	if oldRecord["title"] != "Garage" {
		t.Errorf("old record = %v", oldRecord)
	}

	if _, err := s.GetBinByID("alice", created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBinByID after delete = %v, want ErrNotFound", err)
	}
}

func TestBinsAreScopedToOwner(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.CreateBin("alice", &realtime.BinRecord{Title: "Kitchen"})
	if err != nil {
		t.Fatalf("CreateBin: %v", err)
	}
	if _, err := s.CreateBin("bob", &realtime.BinRecord{Title: "Shed"}); err != nil {
		t.Fatalf("CreateBin: %v", err)
	}

	bins, err := s.GetUserBins("alice")
	if err != nil {
		t.Fatalf("GetUserBins: %v", err)
	}
	if len(bins) != 1 || bins[0].Title != "Kitchen" {
		t.Errorf("alice's bins = %+v", bins)
	}

	if _, err := s.GetBinByID("bob", created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user read = %v, want ErrNotFound", err)
	}
	if err := s.DeleteBin("bob", created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user delete = %v, want ErrNotFound", err)
	}
}

func TestSearchBinsMatchesTitleAndLocation(t *testing.T) {
	s, _ := newTestStore(t)

	for _, b := range []*realtime.BinRecord{
		{Title: "Kitchen bin", Location: "indoors"},
		{Title: "Compost", Location: "garden"},
		{Title: "Recycling", Location: "kitchen corner"},
	} {
		if _, err := s.CreateBin("alice", b); err != nil {
			t.Fatalf("CreateBin: %v", err)
		}
	}

	bins, err := s.SearchBins("alice", "itchen")
	if err != nil {
		t.Fatalf("SearchBins: %v", err)
	}
	if len(bins) != 2 {
		t.Errorf("got %d matches, want 2: %+v", len(bins), bins)
	}
}

func TestConcurrentUpdatesPublishFreshOldRecords(t *testing.T) {
	s, feed := newTestStore(t)

	created, err := s.CreateBin("alice", &realtime.BinRecord{Title: "Kitchen", FillLevel: 0})
	if err != nil {
		t.Fatalf("CreateBin: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(level int) {
			defer wg.Done()
			updates := *created
			updates.FillLevel = level
			if _, err := s.UpdateBin("alice", created.ID, &updates); err != nil {
				t.Errorf("UpdateBin(%d): %v", level, err)
			}
		}(i * 10)
	}
	wg.Wait()

	// Each update reads its old record inside the same transaction as the
	// write, so the old fill levels must all be distinct: a repeated value
	// would mean two updates observed the same stale row.
	seen := make(map[float64]bool)
	for _, doc := range feed.all(t) {
		if doc["operation"] != "UPDATE" {
			continue
		}
		old := doc["old_record"].(map[string]any)
		level := old["fill_level"].(float64)
		if seen[level] {
			t.Fatalf("old fill level %v published twice: stale old_record", level)
		}
		seen[level] = true
	}
	if len(seen) != workers {
		t.Errorf("saw %d distinct old fill levels, want %d", len(seen), workers)
	}
}

func TestStoreWithoutFeedStillMutates(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "bins.db"), nil, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	if _, err := s.CreateBin("alice", &realtime.BinRecord{Title: "Quiet"}); err != nil {
		t.Fatalf("CreateBin without feed: %v", err)
	}
}
