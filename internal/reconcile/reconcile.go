// Package reconcile detects divergence between a local file and its linked
// remote counterpart and resolves it by the user's choice.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dkuiper/osfsync/internal/osf"
	"github.com/dkuiper/osfsync/internal/transfer"
	"github.com/dkuiper/osfsync/internal/ui"
)

// Decision classifies the outcome of a reconciliation.
type Decision int

const (
	// Skipped means there was nothing to compare, such as a missing local
	// file. Not an error.
	Skipped Decision = iota
	InSync
	UseLocal
	UseRemote
)

func (d Decision) String() string {
	switch d {
	case InSync:
		return "in-sync"
	case UseLocal:
		return "use-local"
	case UseRemote:
		return "use-remote"
	}
	return "skipped"
}

// hashBlockSize is the read granularity for digesting local files.
const hashBlockSize = 64 * 1024

// HashFile computes the SHA-256 digest of the file at path, streamed in
// fixed-size blocks so large files never load into memory whole.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Reconciler compares a local file against its linked remote entity and
// drives the resolution the user picks.
type Reconciler struct {
	transfers *transfer.Manager
	notifier  ui.Notifier
	confirmer ui.Confirmer
	chooser   ui.PathChooser
	progress  ui.ProgressFactory
	logger    *slog.Logger
}

// New creates a reconciler around the transfer manager and the user-facing
// collaborators.
func New(transfers *transfer.Manager, notifier ui.Notifier, confirmer ui.Confirmer,
	chooser ui.PathChooser, progress ui.ProgressFactory, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		transfers: transfers,
		notifier:  notifier,
		confirmer: confirmer,
		chooser:   chooser,
		progress:  progress,
		logger:    logger,
	}
}

// Reconcile compares the file at localPath against the remote entity.
//
// Equal digests report in-sync with one informational notification and no
// transfer. Differing digests present exactly one binary choice; keeping
// the local copy ends the flow without touching anything, adopting the
// remote offers an optional backup copy first and then downloads over
// localPath. The returned decision reflects the user's choice even when the
// download afterwards fails or is cancelled; the error reports that
// outcome.
func (r *Reconciler) Reconcile(ctx context.Context, localPath string, remote *osf.Entity) (Decision, error) {
	if localPath == "" {
		return Skipped, nil
	}
	if _, err := os.Stat(localPath); errors.Is(err, fs.ErrNotExist) {
		return Skipped, nil
	} else if err != nil {
		return Skipped, fmt.Errorf("stat %s: %w", localPath, err)
	}

	localHash, err := HashFile(localPath)
	if err != nil {
		return Skipped, err
	}
	remoteHash, err := remote.SHA256()
	if err != nil {
		return Skipped, err
	}

	if localHash == remoteHash {
		r.logger.Debug("versions identical", slog.String("path", localPath))
		r.notifier.Info("In sync",
			fmt.Sprintf("%s is identical to the linked version on the Open Science Framework.",
				filepath.Base(localPath)))
		return InSync, nil
	}

	r.logger.Debug("versions diverged",
		slog.String("path", localPath),
		slog.String("local_sha256", localHash),
		slog.String("remote_sha256", remoteHash))

	if !r.confirmer.Ask("Versions differ", r.divergenceQuestion(localPath, remote)) {
		return UseLocal, nil
	}

	if r.confirmer.Ask("Backup",
		"Do you want to save a backup copy of the local file before it is replaced?") {
		r.backup(localPath)
	}

	if err := r.adoptRemote(ctx, localPath, remote); err != nil {
		return UseRemote, err
	}
	r.notifier.Success("Sync complete",
		fmt.Sprintf("%s was replaced with the version from the Open Science Framework.",
			filepath.Base(localPath)))
	return UseRemote, nil
}

// divergenceQuestion builds the binary-choice prompt with the comparable
// metadata of both sides. Remote times are provider-supplied and shown in
// the local timezone.
func (r *Reconciler) divergenceQuestion(localPath string, remote *osf.Entity) string {
	var b strings.Builder
	b.WriteString("The local copy and the linked version on the Open Science Framework differ.\n")
	b.WriteString(fmt.Sprintf("Local:  %s\n", describeLocal(localPath)))
	b.WriteString(fmt.Sprintf("Remote: %s\n", describeRemote(remote)))
	b.WriteString("Replace the local copy with the remote version? Choosing no keeps the local copy.")
	return b.String()
}

func describeLocal(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return filepath.Base(path)
	}
	return fmt.Sprintf("%s, %s, modified %s", filepath.Base(path),
		humanize.IBytes(uint64(info.Size())), describeTime(info.ModTime()))
}

func describeRemote(remote *osf.Entity) string {
	size := "unknown size"
	if remote.Attributes.Size != nil {
		size = humanize.IBytes(uint64(*remote.Attributes.Size))
	}
	modified := "unknown modification time"
	if t := remote.ModifiedLocal(); !t.IsZero() {
		modified = "modified " + describeTime(t)
	}
	return fmt.Sprintf("%s, %s, %s", remote.Attributes.Name, size, modified)
}

func describeTime(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04"), humanize.Time(t))
}

// backup copies the local file to a user-chosen path. A dismissed dialog
// skips the backup; a failed copy is reported and the flow continues, since
// the user already chose the remote version.
func (r *Reconciler) backup(localPath string) {
	suggested := backupName(localPath)
	dest, ok := r.chooser.ChoosePath("Save backup as", suggested)
	if !ok {
		return
	}
	if err := copyFile(localPath, dest); err != nil {
		r.notifier.Error("Backup failed", err.Error())
		return
	}
	r.logger.Debug("backup written", slog.String("path", dest))
}

func (r *Reconciler) adoptRemote(ctx context.Context, localPath string, remote *osf.Entity) error {
	var total int64
	known := false
	if remote.Attributes.Size != nil {
		total = *remote.Attributes.Size
		known = true
	}
	ind := r.progress.Start("Downloading "+remote.Attributes.Name, total, known)
	defer ind.Close()

	job := r.transfers.Download(ctx, remote.Links.Download, localPath, transfer.Callbacks{
		OnProgress: func(transferred, _ int64, _ bool) {
			ind.Update(transferred)
		},
	})
	if err := job.Wait(); err != nil {
		if job.State() == transfer.Cancelled {
			r.notifier.Warning("Download cancelled", "The local file was left untouched.")
		} else {
			r.notifier.Error("Download failed", err.Error())
		}
		return err
	}
	return nil
}

// backupName suggests "<name>_backup<ext>" next to the original.
func backupName(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_backup" + ext
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
