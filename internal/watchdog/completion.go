// Package watchdog runs the periodic background work: finished-download
// detection, content refresh, progress sync, cleanup and poster sweeps.
package watchdog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"flixkeeper/internal/domain"
)

// Downloads is the part of the download manager the completion loop drives.
type Downloads interface {
	ListDownloads() []domain.DownloadRecord
	Pause(ctx context.Context, id string) error
}

// FinishLedger records finished downloads exactly once.
type FinishLedger interface {
	MarkFinished(ctx context.Context, rec domain.DownloadRecord) (bool, error)
}

// Completion pauses fully downloaded items and records them as finished.
// onFirst runs only for the observation that recorded the event.
type Completion struct {
	downloads Downloads
	ledger    FinishLedger
	onFirst   func(domain.DownloadRecord)
	logger    *logrus.Logger
}

func NewCompletion(downloads Downloads, ledger FinishLedger, onFirst func(domain.DownloadRecord), logger *logrus.Logger) *Completion {
	if logger == nil {
		logger = logrus.New()
	}
	if onFirst == nil {
		onFirst = func(domain.DownloadRecord) {}
	}
	return &Completion{downloads: downloads, ledger: ledger, onFirst: onFirst, logger: logger}
}

func (c *Completion) Tick(ctx context.Context) error {
	var errs []error
	for _, rec := range c.downloads.ListDownloads() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !rec.Finished() {
			continue
		}
		log := c.logger.WithFields(logrus.Fields{"download_id": rec.ID, "name": rec.Name})

		if rec.State != domain.DownloadPaused {
			if err := c.downloads.Pause(ctx, rec.ID); err != nil {
				log.Warnf("auto-pause finished download: %v", err)
			} else {
				log.Info("finished download paused")
			}
		}

		first, err := c.ledger.MarkFinished(ctx, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark %s finished: %w", rec.ID, err))
			continue
		}
		if first {
			log.Info("download recorded as finished")
			c.onFirst(rec)
		}
	}
	return errors.Join(errs...)
}
