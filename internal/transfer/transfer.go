// Package transfer streams file content between the local disk and the
// storage backend, one job per user-initiated upload or download.
package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkuiper/osfsync/internal/osf"
)

// Callbacks deliver transfer outcomes to the initiating flow. Each field is
// optional. OnProgress receives the running byte count; total is only
// meaningful when known is true.
type Callbacks struct {
	OnProgress func(transferred, total int64, known bool)
	OnComplete func()
	OnError    func(error)
}

// State of a transfer job.
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Job tracks one transfer. It is discarded once completed or failed; the
// manager keeps no registry of past jobs.
type Job struct {
	direction   string
	source      string
	destination string

	mu          sync.Mutex
	state       State
	transferred int64
	total       int64
	known       bool
	response    []byte
	err         error

	done chan struct{}
}

func newJob(direction, source, destination string) *Job {
	return &Job{
		direction:   direction,
		source:      source,
		destination: destination,
		done:        make(chan struct{}),
	}
}

// Direction is "upload" or "download".
func (j *Job) Direction() string { return j.direction }

// Source is the local path for uploads, the remote URL for downloads.
func (j *Job) Source() string { return j.source }

// Destination is the remote URL for uploads, the local path for downloads.
func (j *Job) Destination() string { return j.destination }

// State returns the current job state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns the transferred byte count and, when known, the total.
func (j *Job) Progress() (transferred, total int64, known bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transferred, j.total, j.known
}

// Response returns the raw body the remote sent back on a successful
// upload. It is nil for downloads and for jobs that have not completed.
func (j *Job) Response() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.response
}

// Done is closed once the job has finished in any state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its error, nil on success.
func (j *Job) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) setTotal(total int64, known bool) {
	j.mu.Lock()
	j.total = total
	j.known = known
	j.mu.Unlock()
}

func (j *Job) setResponse(data []byte) {
	j.mu.Lock()
	j.response = data
	j.mu.Unlock()
}

func (j *Job) advance(n int64) {
	j.mu.Lock()
	j.transferred += n
	j.mu.Unlock()
}

// Manager drives uploads and downloads through the session. Both directions
// honor context cancellation; a cancelled or failed download never touches
// a pre-existing file at the destination.
type Manager struct {
	session *osf.Session
	http    *http.Client
	logger  *slog.Logger
}

// NewManager creates a transfer manager. The HTTP client carries no global
// timeout because transfers of large files are legitimately slow; callers
// bound them with the context instead.
func NewManager(session *osf.Session, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		session: session,
		http:    &http.Client{},
		logger:  logger,
	}
}

// Upload streams the file at path to rawurl on its own goroutine. The URL
// already encodes whether this creates a new file or updates an existing
// one; the manager is indifferent to the distinction.
func (m *Manager) Upload(ctx context.Context, rawurl, path string, cbs Callbacks) *Job {
	job := newJob("upload", path, rawurl)
	go m.run(job, cbs, func() error {
		return m.upload(ctx, job, rawurl, path, cbs)
	})
	return job
}

// Download streams the content at rawurl into destination on its own
// goroutine. The content lands in a temporary file next to the destination
// and is renamed over it only once fully received.
func (m *Manager) Download(ctx context.Context, rawurl, destination string, cbs Callbacks) *Job {
	job := newJob("download", rawurl, destination)
	go m.run(job, cbs, func() error {
		return m.download(ctx, job, rawurl, destination, cbs)
	})
	return job
}

func (m *Manager) run(job *Job, cbs Callbacks, fn func() error) {
	job.setState(InProgress)
	err := fn()

	job.mu.Lock()
	job.err = err
	switch {
	case err == nil:
		job.state = Completed
	case errors.Is(err, context.Canceled):
		job.state = Cancelled
	default:
		job.state = Failed
	}
	job.mu.Unlock()

	if err == nil {
		m.logger.Debug("transfer finished",
			slog.String("direction", job.direction),
			slog.String("destination", job.destination))
		if cbs.OnComplete != nil {
			cbs.OnComplete()
		}
	} else {
		m.logger.Debug("transfer failed",
			slog.String("direction", job.direction),
			slog.String("destination", job.destination),
			slog.String("error", err.Error()))
		if cbs.OnError != nil {
			cbs.OnError(err)
		}
	}
	close(job.done)
}

func (m *Manager) upload(ctx context.Context, job *Job, rawurl, path string, cbs Callbacks) error {
	f, err := os.Open(path)
	if err != nil {
		return &osf.TransferError{Direction: "upload", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &osf.TransferError{Direction: "upload", Path: path, Err: err}
	}
	job.setTotal(info.Size(), true)

	body := &progressReader{r: f, job: job, cbs: cbs}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawurl, body)
	if err != nil {
		return &osf.TransferError{Direction: "upload", Path: path, Err: err}
	}
	req.ContentLength = info.Size()
	if err := m.session.Authorize(req); err != nil {
		return err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return &osf.TransferError{Direction: "upload", Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &osf.TransferError{Direction: "upload", Path: path, Err: err}
	}
	if resp.StatusCode >= 400 {
		return osf.ResponseError(resp.StatusCode, data)
	}
	job.setResponse(data)
	return nil
}

func (m *Manager) download(ctx context.Context, job *Job, rawurl, destination string, cbs Callbacks) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return &osf.TransferError{Direction: "download", Path: destination, Err: err}
	}
	if err := m.session.Authorize(req); err != nil {
		return err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return &osf.TransferError{Direction: "download", Path: destination, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return osf.ResponseError(resp.StatusCode, data)
	}

	// Some providers omit the size; the progress is indeterminate then.
	if resp.ContentLength >= 0 {
		job.setTotal(resp.ContentLength, true)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destination), ".osfsync-dl-*")
	if err != nil {
		return &osf.TransferError{Direction: "download", Path: destination, Err: err}
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	src := &progressReader{r: resp.Body, job: job, cbs: cbs}
	if _, err := io.Copy(tmp, src); err != nil {
		return &osf.TransferError{Direction: "download", Path: destination, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &osf.TransferError{Direction: "download", Path: destination, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &osf.TransferError{Direction: "download", Path: destination, Err: err}
	}
	if err := os.Rename(tmpName, destination); err != nil {
		return &osf.TransferError{Direction: "download", Path: destination, Err: err}
	}
	success = true
	return nil
}

// progressReader counts bytes as they stream through and fans the running
// total out to the progress callback.
type progressReader struct {
	r   io.Reader
	job *Job
	cbs Callbacks
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.job.advance(int64(n))
		if p.cbs.OnProgress != nil {
			transferred, total, known := p.job.Progress()
			p.cbs.OnProgress(transferred, total, known)
		}
	}
	return n, err
}
