package app

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"dissolve/api/internal/csvio"
	"dissolve/api/internal/loader"
	"dissolve/api/internal/logging"
	"dissolve/api/internal/reconcile"
	"dissolve/api/internal/search"
)

// Busy flag names, one per kind of bulk operation.
const (
	opConsentUpload  = "uploads:consents"
	opResidentUpload = "uploads:residents"
	opMaintenance    = "maintenance"
)

type ConsentUpload struct {
	Format     string `json:"format"`
	ArchiveKey string `json:"archiveKey,omitempty"`
	reconcile.Result
}

type ResidentUpload struct {
	ArchiveKey string `json:"archiveKey,omitempty"`
	reconcile.ResidentResult
}

// ImportConsents reconciles an uploaded consent CSV against the store.
func (s *Service) ImportConsents(ctx context.Context, body []byte, formatParam string) (ConsentUpload, error) {
	format, err := reconcile.ParseFormat(formatParam)
	if err != nil {
		return ConsentUpload{}, domainError(http.StatusBadRequest, "INVALID_FORMAT", err.Error(), nil)
	}
	table, err := csvio.ReadRows(bytes.NewReader(body))
	if err != nil {
		return ConsentUpload{}, err
	}
	format, err = reconcile.DetectFormat(table, format)
	if err != nil {
		return ConsentUpload{}, err
	}

	release, err := s.busy.Acquire(ctx, opConsentUpload)
	if err != nil {
		return ConsentUpload{}, err
	}
	defer release()

	log := logging.FromContext(ctx).WithFields(logrus.Fields{"operation": opConsentUpload, "rows": len(table.Rows)})
	ctx = logging.WithLogger(ctx, log)
	key := s.archiveUpload(ctx, "consents", body)

	ref, err := loader.LoadReference(ctx, s.store, s.cfg.PageSize)
	if err != nil {
		return ConsentUpload{}, err
	}
	result, err := reconcile.NewReconciler(s.store, s.residentLocks).ImportConsents(ctx, table, format, ref, s.progress(log))
	if err != nil {
		return ConsentUpload{}, err
	}
	if result.NewRecords > 0 || result.Updated > 0 {
		s.reindex(ctx)
	}
	return ConsentUpload{Format: string(format), ArchiveKey: key, Result: result}, nil
}

// ImportResidents upserts an uploaded resident roster.
func (s *Service) ImportResidents(ctx context.Context, body []byte) (ResidentUpload, error) {
	table, err := csvio.ReadRows(bytes.NewReader(body))
	if err != nil {
		return ResidentUpload{}, err
	}

	release, err := s.busy.Acquire(ctx, opResidentUpload)
	if err != nil {
		return ResidentUpload{}, err
	}
	defer release()

	log := logging.FromContext(ctx).WithFields(logrus.Fields{"operation": opResidentUpload, "rows": len(table.Rows)})
	ctx = logging.WithLogger(ctx, log)
	key := s.archiveUpload(ctx, "residents", body)

	ref, err := loader.LoadReference(ctx, s.store, s.cfg.PageSize)
	if err != nil {
		return ResidentUpload{}, err
	}
	result, err := reconcile.ImportResidents(ctx, s.store, table, ref, s.progress(log))
	if err != nil {
		return ResidentUpload{}, err
	}
	if result.ResidentsCreated > 0 || result.ResidentsUpdated > 0 {
		s.reindex(ctx)
	}
	return ResidentUpload{ArchiveKey: key, ResidentResult: result}, nil
}

func (s *Service) ExportResidents(ctx context.Context, w io.Writer) error {
	ref, err := loader.LoadReference(ctx, s.store, s.cfg.PageSize)
	if err != nil {
		return err
	}
	return csvio.WriteResidentRoster(w, ref.Residents, ref.Addresses)
}

func (s *Service) ExportConsents(ctx context.Context, w io.Writer) error {
	ref, err := loader.LoadReference(ctx, s.store, s.cfg.PageSize)
	if err != nil {
		return err
	}
	return csvio.WriteConsentRoster(w, ref.Consents, ref.Residents, ref.Addresses)
}

func (s *Service) DedupeConsents(ctx context.Context, dryRun bool) (reconcile.DedupeResult, error) {
	release, err := s.busy.Acquire(ctx, opMaintenance)
	if err != nil {
		return reconcile.DedupeResult{}, err
	}
	defer release()

	consents, err := loader.All(ctx, s.store.ListConsents, s.cfg.PageSize, nil)
	if err != nil {
		return reconcile.DedupeResult{}, err
	}
	return reconcile.DedupeConsents(ctx, s.store, consents, dryRun), nil
}

func (s *Service) MigrateIDs(ctx context.Context, dryRun bool) (reconcile.MigrationResult, error) {
	release, err := s.busy.Acquire(ctx, opMaintenance)
	if err != nil {
		return reconcile.MigrationResult{}, err
	}
	defer release()

	residents, err := loader.All(ctx, s.store.ListResidents, s.cfg.PageSize, nil)
	if err != nil {
		return reconcile.MigrationResult{}, err
	}
	result := reconcile.MigrateLegacyIDs(ctx, s.store, residents, dryRun)
	if !dryRun && result.Promoted > 0 {
		s.reindex(ctx)
	}
	return result, nil
}

func (s *Service) progress(log *logrus.Entry) reconcile.Options {
	return reconcile.Options{
		ProgressEvery: s.cfg.ProgressEvery,
		Progress: func(done, total int) {
			log.WithFields(logrus.Fields{"done": done, "total": total}).Info("upload progress")
		},
	}
}

// archiveUpload stores the raw upload. Failures are logged and never fail the upload.
func (s *Service) archiveUpload(ctx context.Context, kind string, body []byte) string {
	if s.archive == nil {
		return ""
	}
	key, err := s.archive.Put(ctx, kind, body)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("kind", kind).Warn("archive upload failed")
		return ""
	}
	return key
}

func (s *Service) reindex(ctx context.Context) {
	if s.search == nil {
		return
	}
	residents, err := loader.All(ctx, s.store.ListResidents, s.cfg.PageSize, nil)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("load residents for reindex")
		return
	}
	addresses, err := loader.All(ctx, s.store.ListAddresses, s.cfg.PageSize, nil)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("load addresses for reindex")
		return
	}
	s.search.Reindex(ctx, search.RecordsFrom(residents, addresses))
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Source: "none"}
	}
	return s.search.Search(ctx, q)
}
