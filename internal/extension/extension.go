// Package extension coordinates the experiment lifecycle against the Open
// Science Framework: session restore and login, sync checks when an
// experiment is opened, uploads when it is saved or has produced data, and
// management of the link records themselves.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/dkuiper/osfsync/internal/events"
	"github.com/dkuiper/osfsync/internal/experiment"
	"github.com/dkuiper/osfsync/internal/links"
	"github.com/dkuiper/osfsync/internal/osf"
	"github.com/dkuiper/osfsync/internal/reconcile"
	"github.com/dkuiper/osfsync/internal/transfer"
	"github.com/dkuiper/osfsync/internal/ui"
)

// Options configures a new Extension. Session, Notifier, Confirmer,
// Chooser, and Progress are required. Selector may be nil when no remote
// hierarchy view exists, as in daemon mode; link operations then report
// that nothing is selected. A nil Cache falls back to the default token
// path, a nil Logger to slog.Default.
type Options struct {
	Session   *osf.Session
	Cache     *osf.TokenCache
	Notifier  ui.Notifier
	Confirmer ui.Confirmer
	Chooser   ui.PathChooser
	Progress  ui.ProgressFactory
	Selector  ui.NodeSelector
	Logger    *slog.Logger
}

// Extension is the orchestrator the host application drives. Its methods
// are safe for concurrent use; user-facing outcomes, success and failure
// alike, are delivered through the notifier, while the returned errors
// serve flow control in the caller.
type Extension struct {
	session    *osf.Session
	client     *osf.Client
	transfers  *transfer.Manager
	reconciler *reconcile.Reconciler
	dispatcher *events.Dispatcher
	cache      osf.TokenCache

	notifier  ui.Notifier
	confirmer ui.Confirmer
	chooser   ui.PathChooser
	progress  ui.ProgressFactory
	selector  ui.NodeSelector
	logger    *slog.Logger

	tokenListener *tokenFileListener

	mu                sync.Mutex
	exp               *experiment.File
	registry          *links.Registry
	syncCheckRequired bool
}

// New wires an extension and registers its listeners with a fresh
// dispatcher. The extension itself listens first so a deferred sync check
// runs before anything else reacts to a login.
func New(opts Options) (*Extension, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("nil session")
	}
	if opts.Notifier == nil || opts.Confirmer == nil || opts.Chooser == nil || opts.Progress == nil {
		return nil, fmt.Errorf("missing user collaborator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := osf.TokenCache{Path: osf.DefaultTokenPath()}
	if opts.Cache != nil {
		cache = *opts.Cache
	}

	transfers := transfer.NewManager(opts.Session, logger)
	x := &Extension{
		session:    opts.Session,
		client:     osf.NewClient(opts.Session),
		transfers:  transfers,
		reconciler: reconcile.New(transfers, opts.Notifier, opts.Confirmer, opts.Chooser, opts.Progress, logger),
		dispatcher: events.NewDispatcher(logger),
		cache:      cache,
		notifier:   opts.Notifier,
		confirmer:  opts.Confirmer,
		chooser:    opts.Chooser,
		progress:   opts.Progress,
		selector:   opts.Selector,
		logger:     logger,
	}
	x.tokenListener = &tokenFileListener{session: x.session, cache: cache, logger: logger}
	if err := x.dispatcher.AddListeners([]events.LoginAware{x, x.tokenListener}); err != nil {
		return nil, err
	}
	return x, nil
}

// Session returns the session the extension authenticates with.
func (x *Extension) Session() *osf.Session { return x.session }

// Client returns the API client for read-only queries by the host.
func (x *Extension) Client() *osf.Client { return x.client }

// Dispatcher returns the login/logout dispatcher so the host can attach
// its own listeners, a user badge for instance.
func (x *Extension) Dispatcher() *events.Dispatcher { return x.dispatcher }

// Registry returns the link registry of the opened experiment, or nil when
// none is open.
func (x *Extension) Registry() *links.Registry {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.registry
}

// Experiment returns the currently opened experiment, or nil.
func (x *Extension) Experiment() *experiment.File {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.exp
}

// Close detaches the extension from its dispatcher. Running transfers are
// bound to their contexts and stop with them.
func (x *Extension) Close() {
	x.dispatcher.RemoveListener(x)
	x.dispatcher.RemoveListener(x.tokenListener)
}

// RestoreSession loads a previously cached token and, when the backend
// still accepts it, announces the login. It reports whether a session was
// restored. A stale or rejected token is discarded quietly; the user just
// logs in again.
func (x *Extension) RestoreSession(ctx context.Context) bool {
	tok, scope, err := x.cache.Load()
	if err != nil {
		x.logger.Warn("token cache unreadable", "error", err)
		return false
	}
	if tok == nil {
		return false
	}
	if !x.session.Restore(tok, scope) {
		if err := x.cache.Delete(); err != nil {
			x.logger.Warn("delete stale token cache", "error", err)
		}
		return false
	}
	if _, err := x.client.LoggedInUser(ctx); err != nil {
		x.logger.Info("cached token rejected", "error", err)
		x.session.Invalidate()
		if err := x.cache.Delete(); err != nil {
			x.logger.Warn("delete rejected token cache", "error", err)
		}
		return false
	}
	x.dispatcher.DispatchLogin()
	return true
}

// Login accepts the URL the authorization server redirected the browser
// to, extracts the token from its fragment, and announces the login.
func (x *Extension) Login(redirectURL string) error {
	if _, err := x.session.ParseTokenFromRedirect(redirectURL); err != nil {
		x.notifier.Error("Login failed", err.Error())
		return err
	}
	x.dispatcher.DispatchLogin()
	return nil
}

// Logout revokes the token, clears the session, and announces the logout.
// The local session is cleared even when the revoke call fails; a token
// the backend already rejects is not worth keeping.
func (x *Extension) Logout(ctx context.Context) error {
	if !x.session.IsAuthorized() {
		return nil
	}
	err := x.session.Logout(ctx)
	if err != nil {
		x.logger.Warn("token revoke failed", "error", err)
		x.session.Invalidate()
	}
	x.dispatcher.DispatchLogout()
	return err
}

// HandleLogin runs the sync check that was deferred because the user
// opened a linked experiment while logged out.
func (x *Extension) HandleLogin() {
	x.mu.Lock()
	pending := x.syncCheckRequired && x.registry != nil && x.registry.HasExperimentLink()
	x.mu.Unlock()
	if pending {
		x.checkExperimentSync(context.Background())
	}
}

// HandleLogout is a no-op; link records live in the experiment file and
// survive the session.
func (x *Extension) HandleLogout() {
	x.logger.Debug("logged out")
}

// OpenExperiment loads the experiment at path and, when it carries link
// records, verifies them: the linked experiment file is compared against
// its remote version, the linked data folder is checked for existence.
// While logged out the check is deferred until the next login.
func (x *Extension) OpenExperiment(ctx context.Context, expPath string) error {
	exp, err := experiment.Load(expPath)
	if err != nil {
		return err
	}
	reg := x.installExperiment(exp)

	if !x.session.IsAuthorized() {
		if reg.HasExperimentLink() || reg.HasDataLink() {
			x.notifier.Info("Link detected",
				"This experiment is linked to the Open Science Framework. "+
					"Log in to use the synchronization features.")
			x.mu.Lock()
			x.syncCheckRequired = true
			x.mu.Unlock()
		}
		return nil
	}

	if reg.HasExperimentLink() {
		x.checkExperimentSync(ctx)
	}
	if id, ok := reg.DataLink(); ok {
		if err := x.client.VerifyNode(ctx, id); err != nil {
			x.fail("Data link check failed", err)
		}
	}
	return nil
}

// SaveExperiment uploads the opened experiment over its linked remote
// version. Without a link or a session it does nothing. Unless autosync is
// on, the user is asked first.
func (x *Extension) SaveExperiment(ctx context.Context) error {
	exp, reg := x.current()
	if exp == nil || !reg.HasExperimentLink() || !x.session.IsAuthorized() {
		return nil
	}
	if !reg.Autosync(links.Experiment) {
		ok := x.confirmer.Ask("Upload experiment",
			"Would you also like to update the version of this experiment "+
				"on the Open Science Framework?")
		if !ok {
			return nil
		}
	}

	id, _ := reg.ExperimentLink()
	remote, err := x.client.FileInfo(ctx, id)
	if err != nil {
		x.fail("Sync failed", err)
		return err
	}
	uploadURL, err := remote.UpdateURL()
	if err != nil {
		x.fail("Sync failed", err)
		return err
	}
	if _, err := x.uploadFile(ctx, uploadURL, exp.Path()); err != nil {
		return err
	}
	x.notifier.Success("Sync success",
		"Experiment successfully synced to the Open Science Framework.")
	return nil
}

// ProcessDataFiles uploads the files a finished run produced into the
// linked data folder. A run that produced only quickrun.csv is a test run
// and is skipped. Files already present remotely are only overwritten
// after a per-file confirmation. One failed upload does not stop the
// others; the joined errors are returned.
func (x *Extension) ProcessDataFiles(ctx context.Context, dataFiles []string) error {
	_, reg := x.current()
	if reg == nil || !reg.HasDataLink() || !x.session.IsAuthorized() {
		return nil
	}
	if len(dataFiles) == 0 {
		return nil
	}
	if len(dataFiles) == 1 && filepath.Base(dataFiles[0]) == "quickrun.csv" {
		x.logger.Debug("skipping test run output")
		return nil
	}
	if !reg.Autosync(links.Data) {
		ok := x.confirmer.Ask("Upload data",
			"Would you like to upload the data files to your linked folder "+
				"on the Open Science Framework?")
		if !ok {
			return nil
		}
	}

	id, _ := reg.DataLink()
	target, err := x.client.UploadTarget(ctx, id)
	if err != nil {
		x.fail("Data upload failed", err)
		return err
	}
	filesURL := target.FilesURL()
	if filesURL == "" {
		err := &osf.ProtocolError{Reason: "linked folder carries no file listing"}
		x.fail("Data upload failed", err)
		return err
	}
	present, err := x.client.ListAll(ctx, filesURL)
	if err != nil {
		x.fail("Data upload failed", err)
		return err
	}

	var errs []error
	for _, dataFile := range dataFiles {
		name := filepath.Base(dataFile)
		uploadURL, skip, err := x.dataUploadURL(target, present, name)
		if err != nil {
			x.fail("Data upload failed", err)
			errs = append(errs, err)
			continue
		}
		if skip {
			continue
		}
		if _, err := x.uploadFile(ctx, uploadURL, dataFile); err != nil {
			errs = append(errs, err)
			continue
		}
		x.notifier.Success("Sync success",
			name+" successfully synced to the Open Science Framework.")
	}
	return errors.Join(errs...)
}

// dataUploadURL picks the upload URL for one data file: the folder's
// creation link for a new name, the existing entity's own link after an
// overwrite confirmation for a duplicate. skip is true when the user
// declined the overwrite.
func (x *Extension) dataUploadURL(target *osf.Entity, present []osf.Entity, name string) (uploadURL string, skip bool, err error) {
	existing, found := osf.FindByName(present, name)
	if !found {
		uploadURL, err = target.CreateURL(name)
		return uploadURL, false, err
	}
	ok := x.confirmer.Ask("Please confirm",
		fmt.Sprintf("A data file named %q is already present at the linked "+
			"location. Do you want to overwrite it?", name))
	if !ok {
		return "", true, nil
	}
	uploadURL, err = existing.UpdateURL()
	return uploadURL, false, err
}

// LinkExperiment links the opened experiment to the folder selected in the
// remote hierarchy view and uploads it there. When the folder already
// holds a file with the same name, the user chooses between overwriting it
// and aborting. On success the new remote id is persisted in the
// experiment.
func (x *Extension) LinkExperiment(ctx context.Context) error {
	exp, reg := x.current()
	if exp == nil {
		x.notifier.Warning("No experiment",
			"Open an experiment before linking it to the Open Science Framework.")
		return nil
	}
	if !x.session.IsAuthorized() {
		x.notifier.Warning("Not logged in", "Log in to link this experiment.")
		return nil
	}
	if reg.HasExperimentLink() {
		ok := x.confirmer.Ask("Please confirm",
			"This experiment already seems to be linked to a location on the "+
				"Open Science Framework. Are you sure you want to change this link?")
		if !ok {
			return nil
		}
	}
	target, ok := x.selectedFolder()
	if !ok {
		return nil
	}

	name := filepath.Base(exp.Path())
	uploadURL, skip, err := x.linkUploadURL(ctx, target, name)
	if err != nil {
		x.fail("Link failed", err)
		return err
	}
	if skip {
		return nil
	}

	job, err := x.uploadFile(ctx, uploadURL, exp.Path())
	if err != nil {
		return err
	}
	newID, err := uploadedFileID(job.Response())
	if err != nil {
		x.fail("Link failed", err)
		return err
	}
	if err := reg.SetExperimentLink(newID); err != nil {
		x.fail("Link failed", err)
		return err
	}
	nodeURL, err := x.client.Endpoint("file_info", newID)
	if err != nil {
		nodeURL = newID
	}
	x.notifier.Success("Experiment successfully linked",
		"The experiment has been linked to "+nodeURL)
	return nil
}

// linkUploadURL resolves where the experiment upload goes. A duplicate
// filename in the target folder switches to that entity's own upload link
// after a confirmation; skip is true when the user declined.
func (x *Extension) linkUploadURL(ctx context.Context, target *osf.Entity, name string) (uploadURL string, skip bool, err error) {
	filesURL := target.FilesURL()
	if filesURL == "" {
		return "", false, &osf.ProtocolError{Reason: "selected folder carries no file listing"}
	}
	present, err := x.client.ListAll(ctx, filesURL)
	if err != nil {
		return "", false, err
	}
	existing, found := osf.FindByName(present, name)
	if !found {
		uploadURL, err = target.CreateURL(name)
		return uploadURL, false, err
	}
	ok := x.confirmer.Ask("Please confirm",
		"An experiment with the same filename was already found in this "+
			"folder. Are you sure you want to overwrite it?")
	if !ok {
		return "", true, nil
	}
	uploadURL, err = existing.UpdateURL()
	return uploadURL, false, err
}

// LinkDataFolder marks the folder selected in the remote hierarchy view as
// the upload target for collected data. Provider roots carry their
// composite id natively, so persisting the entity id covers both cases.
// Nothing is uploaded at link time.
func (x *Extension) LinkDataFolder(ctx context.Context) error {
	exp, reg := x.current()
	if exp == nil {
		x.notifier.Warning("No experiment",
			"Open an experiment before linking it to the Open Science Framework.")
		return nil
	}
	if !x.session.IsAuthorized() {
		x.notifier.Warning("Not logged in", "Log in to link a data folder.")
		return nil
	}
	if reg.HasDataLink() {
		ok := x.confirmer.Ask("Please confirm",
			"This experiment already has a linked location on the Open Science "+
				"Framework to upload data to. Are you sure you want to change this link?")
		if !ok {
			return nil
		}
	}
	target, ok := x.selectedFolder()
	if !ok {
		return nil
	}

	if err := reg.SetDataLink(target.ID); err != nil {
		x.fail("Link failed", err)
		return err
	}
	x.notifier.Success("Data folder successfully linked",
		"The data upload folder has been set to "+displayURL(target))
	return nil
}

// UnlinkExperiment removes the experiment link after a confirmation.
func (x *Extension) UnlinkExperiment() error {
	_, reg := x.current()
	if reg == nil || !reg.HasExperimentLink() {
		return nil
	}
	ok := x.confirmer.Ask("Please confirm",
		"Are you sure you want to unlink this experiment from the Open "+
			"Science Framework?")
	if !ok {
		return nil
	}
	if err := reg.UnsetExperimentLink(); err != nil {
		x.fail("Unlink failed", err)
		return err
	}
	return nil
}

// UnlinkData removes the data folder link after a confirmation.
func (x *Extension) UnlinkData() error {
	_, reg := x.current()
	if reg == nil || !reg.HasDataLink() {
		return nil
	}
	ok := x.confirmer.Ask("Please confirm",
		"Are you sure you want to unlink this experiment's data storage "+
			"from the Open Science Framework?")
	if !ok {
		return nil
	}
	if err := reg.UnsetDataLink(); err != nil {
		x.fail("Unlink failed", err)
		return err
	}
	return nil
}

// OpenRemoteExperiment downloads the experiment file selected in the
// remote hierarchy view to a path the user chooses and opens it. A fresh
// download that carries no link record yet is linked to its origin. The
// returned path is empty when the user dismissed the flow.
func (x *Extension) OpenRemoteExperiment(ctx context.Context) (string, error) {
	if x.selector == nil {
		return "", nil
	}
	target, ok := x.selector.Current()
	if !ok {
		return "", nil
	}
	name := target.Attributes.Name
	if !target.IsFile() || !experiment.IsNativeExperimentFile(name) {
		x.notifier.Warning("Not an experiment",
			"Only experiment files can be opened from the Open Science Framework.")
		return "", nil
	}
	if target.Links.Download == "" {
		err := &osf.ProtocolError{Reason: "file entity carries no download link"}
		x.fail("Open failed", err)
		return "", err
	}

	destination, ok := x.chooser.ChoosePath(
		"Choose where to save the experiment", suggestedPath(name))
	if !ok {
		return "", nil
	}

	var total int64
	known := target.Attributes.Size != nil
	if known {
		total = *target.Attributes.Size
	}
	ind := x.progress.Start(name, total, known)
	job := x.transfers.Download(ctx, target.Links.Download, destination, transfer.Callbacks{
		OnProgress: func(transferred, _ int64, _ bool) { ind.Update(transferred) },
	})
	err := job.Wait()
	ind.Close()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			x.notifier.Warning("Cancelled", "The experiment was not downloaded.")
			return "", err
		}
		x.fail("Open failed", err)
		return "", err
	}
	x.notifier.Success("Experiment opened",
		"Your experiment was successfully downloaded to "+destination)

	if err := x.OpenExperiment(ctx, destination); err != nil {
		return "", err
	}
	_, reg := x.current()
	if !reg.HasExperimentLink() {
		if err := reg.SetExperimentLink(target.ID); err != nil {
			x.fail("Link failed", err)
			return destination, err
		}
	}
	return destination, nil
}

// checkExperimentSync compares the opened experiment against its linked
// remote version and lets the reconciler resolve any divergence. Adopting
// the remote version replaces the local file, so the experiment is
// reloaded afterwards.
func (x *Extension) checkExperimentSync(ctx context.Context) {
	exp, reg := x.current()
	if exp == nil {
		return
	}
	id, ok := reg.ExperimentLink()
	if !ok {
		return
	}
	x.mu.Lock()
	x.syncCheckRequired = false
	x.mu.Unlock()

	remote, err := x.client.FileInfo(ctx, id)
	if err != nil {
		x.fail("Sync check failed", err)
		return
	}
	decision, err := x.reconciler.Reconcile(ctx, exp.Path(), remote)
	if err != nil {
		x.fail("Sync check failed", err)
		return
	}
	if decision == reconcile.UseRemote {
		x.reloadExperiment()
	}
}

// uploadFile streams one file to the given URL with a progress indicator,
// reporting the outcome to the user. The finished job is returned so
// callers can read the response.
func (x *Extension) uploadFile(ctx context.Context, rawurl, localPath string) (*transfer.Job, error) {
	var total int64
	known := false
	if info, err := os.Stat(localPath); err == nil {
		total, known = info.Size(), true
	}
	ind := x.progress.Start(filepath.Base(localPath), total, known)
	job := x.transfers.Upload(ctx, rawurl, localPath, transfer.Callbacks{
		OnProgress: func(transferred, _ int64, _ bool) { ind.Update(transferred) },
	})
	err := job.Wait()
	ind.Close()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			x.notifier.Warning("Cancelled",
				filepath.Base(localPath)+" was not uploaded.")
			return job, err
		}
		x.fail("Upload failed", err)
		return job, err
	}
	return job, nil
}

// fail reports err to the user. An expired token instead forces a logout
// so the next action starts from a clean, unauthenticated state.
func (x *Extension) fail(title string, err error) {
	if errors.Is(err, osf.ErrTokenExpired) {
		x.forceLogout()
		return
	}
	x.notifier.Error(title, err.Error())
}

// forceLogout clears a session the backend no longer accepts. The regular
// logout path is skipped; revoking a dead token would just fail again.
func (x *Extension) forceLogout() {
	x.session.Invalidate()
	x.dispatcher.DispatchLogout()
	x.notifier.Warning("Session expired", "Your session has expired. Please log in again.")
}

// installExperiment swaps in a newly loaded experiment and its registry.
func (x *Extension) installExperiment(exp *experiment.File) *links.Registry {
	reg := links.NewRegistry(exp)
	reg.OnChange(x.linkChanged)
	x.mu.Lock()
	x.exp = exp
	x.registry = reg
	x.syncCheckRequired = false
	x.mu.Unlock()
	return reg
}

// reloadExperiment re-reads the opened experiment from disk after its
// content was replaced, keeping the in-memory variables current.
func (x *Extension) reloadExperiment() {
	x.mu.Lock()
	var expPath string
	if x.exp != nil {
		expPath = x.exp.Path()
	}
	x.mu.Unlock()
	if expPath == "" {
		return
	}
	exp, err := experiment.Load(expPath)
	if err != nil {
		x.logger.Warn("reload experiment", "path", expPath, "error", err)
		return
	}
	x.installExperiment(exp)
}

func (x *Extension) linkChanged(c links.Change) {
	x.logger.Info("link record changed",
		"kind", c.Kind.String(), "remote_id", c.RemoteID, "autosync", c.Autosync)
}

// current returns the opened experiment and registry. The registry is nil
// exactly when the experiment is.
func (x *Extension) current() (*experiment.File, *links.Registry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.exp, x.registry
}

// selectedFolder validates the hierarchy selection for a link operation.
// Only folder entities qualify; projects and files are rejected with a
// warning. A missing selection is not an error.
func (x *Extension) selectedFolder() (*osf.Entity, bool) {
	if x.selector == nil {
		x.notifier.Warning("Nothing selected", "Select a folder to link to first.")
		return nil, false
	}
	target, ok := x.selector.Current()
	if !ok {
		x.notifier.Warning("Nothing selected", "Select a folder to link to first.")
		return nil, false
	}
	if target.Type != "files" || !target.IsFolder() {
		x.notifier.Warning("Invalid selection", "Only folders can be linked to.")
		return nil, false
	}
	return target, true
}

// uploadedFileID extracts the plain file id from a storage upload
// response. The storage backend reports ids as "<provider>/<id>", so the
// final path component is the id the file API understands.
func uploadedFileID(body []byte) (string, error) {
	entity, err := osf.DecodeEntity(body)
	if err != nil {
		return "", err
	}
	if entity.ID == "" {
		return "", &osf.ProtocolError{Reason: "upload response carries no id"}
	}
	return path.Base(entity.ID), nil
}

// displayURL is the address shown to the user for a linked node. Provider
// roots have no self link and are referenced by their upload link instead.
func displayURL(e *osf.Entity) string {
	if e.Links.Self != "" {
		return e.Links.Self
	}
	if e.Links.Upload != "" {
		return e.Links.Upload
	}
	return e.ID
}

// suggestedPath seeds the save dialog with the user's home directory.
func suggestedPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, name)
}
