package backup

import (
	"fmt"
	"sync"

	"github.com/withObsrvr/airtable-backup/internal/metadata"
)

// Stats accumulates run-wide counters and the error list. It is owned by
// the Orchestrator; all mutation goes through its methods.
type Stats struct {
	mu sync.Mutex
	s  metadata.RunStats
}

func (st *Stats) BaseProcessed() {
	st.mu.Lock()
	st.s.BasesProcessed++
	st.mu.Unlock()
}

func (st *Stats) TableProcessed() {
	st.mu.Lock()
	st.s.TablesProcessed++
	st.mu.Unlock()
}

func (st *Stats) TableSkipped() {
	st.mu.Lock()
	st.s.TablesSkipped++
	st.mu.Unlock()
}

func (st *Stats) AddRecords(n int) {
	st.mu.Lock()
	st.s.RecordsProcessed += n
	st.mu.Unlock()
}

func (st *Stats) AttachmentDownloaded() {
	st.mu.Lock()
	st.s.AttachmentsDownloaded++
	st.mu.Unlock()
}

func (st *Stats) AttachmentsFailed(n int) {
	st.mu.Lock()
	st.s.AttachmentsFailed += n
	st.mu.Unlock()
}

// AddError appends a formatted entry to the error list.
func (st *Stats) AddError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	st.mu.Lock()
	st.s.Errors = append(st.s.Errors, msg)
	st.mu.Unlock()
}

// Snapshot returns a copy safe to serialize while the run continues.
func (st *Stats) Snapshot() metadata.RunStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.s
	out.Errors = append([]string{}, st.s.Errors...)
	return out
}
