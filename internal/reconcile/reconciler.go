package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dissolve/api/internal/csvio"
	"dissolve/api/internal/loader"
	"dissolve/api/internal/logging"
	"dissolve/api/internal/store"
)

type Format string

const (
	FormatAuto   Format = "auto"
	FormatSimple Format = "simple"
	FormatFull   Format = "full"
)

// Upload column names. Entries in one slice are interchangeable.
var (
	colPersonID     = []string{"person_id"}
	colEmail        = []string{"email"}
	colSubmissionID = []string{"submission_id", "Number"}
	colFirstName    = []string{"resident_first_name"}
	colLastName     = []string{"resident_last_name"}
	colStreet       = []string{"resident_street", "expanded_street"}
	colFullEmail    = []string{"resident_email", "expanded_email"}
)

// ParseFormat accepts "", "auto", "simple" and "full".
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatSimple:
		return FormatSimple, nil
	case FormatFull:
		return FormatFull, nil
	}
	return "", fmt.Errorf("unknown upload format %q", value)
}

// DetectFormat resolves FormatAuto from the header and checks that the
// columns the format needs are present.
func DetectFormat(table csvio.Table, requested Format) (Format, error) {
	format := requested
	if format == FormatAuto || format == "" {
		switch {
		case table.Has(colPersonID[0]):
			format = FormatSimple
		case table.HasAny(colFirstName...) || table.HasAny(colLastName...):
			format = FormatFull
		default:
			return "", fmt.Errorf("%w: person_id or resident_first_name/resident_last_name", csvio.ErrMissingColumns)
		}
	}
	switch format {
	case FormatSimple:
		return format, table.Require(colPersonID)
	case FormatFull:
		return format, table.Require(colFirstName, colLastName, colStreet)
	}
	return "", fmt.Errorf("unknown upload format %q", format)
}

// Store is the slice of the collection store the consent reconciler mutates.
type Store interface {
	ListConsents(ctx context.Context, opts store.ListOptions) (store.Page[store.Consent], error)
	CreateConsent(ctx context.Context, item store.Consent) (store.Consent, error)
	UpdateConsent(ctx context.Context, item store.Consent) (store.Consent, error)
	DeleteConsent(ctx context.Context, id string) error
	GetResident(ctx context.Context, id string) (store.Resident, error)
	UpdateResident(ctx context.Context, item store.Resident) (store.Resident, error)
}

// Locker serializes consent creation per key. Release must be safe to call once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type Options struct {
	// ProgressEvery reports progress after every N rows; zero disables it.
	ProgressEvery int
	Progress      func(done, total int)
}

type RowError struct {
	Row     int    `json:"row"`
	Ref     string `json:"ref"`
	Message string `json:"error"`
}

type Result struct {
	Total          int        `json:"total"`
	NewRecords     int        `json:"newRecords"`
	AlreadySigned  int        `json:"alreadySigned"`
	Updated        int        `json:"updated"`
	NotFound       int        `json:"notFound"`
	MissingData    int        `json:"missingData"`
	DuplicateInCSV int        `json:"duplicateInCsv"`
	NotFoundList   []string   `json:"notFoundList"`
	Errors         []RowError `json:"errors"`
}

type Reconciler struct {
	store    Store
	recorder ConsentRecorder
	locker   Locker
	now      func() time.Time
}

// NewReconciler builds a reconciler over st. A nil locker skips per-resident locking.
func NewReconciler(st Store, locker Locker) *Reconciler {
	return &Reconciler{
		store:    st,
		recorder: &StoreRecorder{Store: st},
		locker:   locker,
		now:      time.Now,
	}
}

// runState is scoped to one upload.
type runState struct {
	// processed holds residents already matched by an earlier row.
	processed map[string]struct{}
	// signed maps a resident to the consent patched on re-upload.
	signed map[string]store.Consent
	result Result
}

func newRunState(consents []store.Consent) *runState {
	st := &runState{
		processed: make(map[string]struct{}),
		signed:    make(map[string]store.Consent),
		result:    Result{NotFoundList: []string{}, Errors: []RowError{}},
	}
	for _, c := range rankConsents(consents) {
		if _, ok := st.signed[c.ResidentID]; !ok {
			st.signed[c.ResidentID] = c
		}
	}
	return st
}

// upload is one parsed row of either format.
type upload struct {
	line         int
	ref          string
	email        string
	submissionID string
}

// ImportConsents reconciles every row of table against ref. Row-level failures
// are counted in the result; only malformed input aborts with an error.
func (r *Reconciler) ImportConsents(ctx context.Context, table csvio.Table, format Format, ref loader.Reference, opts Options) (Result, error) {
	format, err := DetectFormat(table, format)
	if err != nil {
		return Result{}, err
	}

	log := logging.FromContext(ctx).WithField("format", string(format))
	matcher := NewMatcher(ref.Residents, ref.Addresses)
	state := newRunState(ref.Consents)
	state.result.Total = len(table.Rows)

	for i, row := range table.Rows {
		resident, in, outcome := resolve(matcher, format, row)
		switch outcome {
		case rowMissingData:
			state.result.MissingData++
		case rowNotFound:
			state.result.NotFound++
			state.result.NotFoundList = append(state.result.NotFoundList, in.ref)
		case rowMatched:
			if _, dup := state.processed[resident.ID]; dup {
				state.result.DuplicateInCSV++
				break
			}
			state.processed[resident.ID] = struct{}{}
			if err := r.apply(ctx, state, resident, in); err != nil {
				log.WithError(err).WithFields(logrus.Fields{"row": in.line, "resident_id": resident.ID}).Warn("consent row failed")
				state.result.Errors = append(state.result.Errors, RowError{Row: in.line, Ref: in.ref, Message: err.Error()})
			}
		}

		if opts.Progress != nil && opts.ProgressEvery > 0 && (i+1)%opts.ProgressEvery == 0 {
			opts.Progress(i+1, len(table.Rows))
		}
	}

	res := state.result
	log.WithFields(logrus.Fields{
		"total":          res.Total,
		"new_records":    res.NewRecords,
		"already_signed": res.AlreadySigned,
		"updated":        res.Updated,
		"not_found":      res.NotFound,
		"missing_data":   res.MissingData,
		"duplicates":     res.DuplicateInCSV,
		"errors":         len(res.Errors),
	}).Info("consent import finished")
	return res, nil
}

type rowOutcome int

const (
	rowMissingData rowOutcome = iota
	rowNotFound
	rowMatched
)

func resolve(m *Matcher, format Format, row csvio.Row) (store.Resident, upload, rowOutcome) {
	in := upload{line: row.Line, submissionID: row.First(colSubmissionID...)}
	var (
		resident store.Resident
		found    bool
	)
	if format == FormatSimple {
		id := row.First(colPersonID...)
		in.email = row.First(colEmail...)
		in.ref = id
		if id == "" {
			return store.Resident{}, in, rowMissingData
		}
		resident, found = m.ByPersonID(id)
	} else {
		first, last, street := row.First(colFirstName...), row.First(colLastName...), row.First(colStreet...)
		in.email = row.First(colFullEmail...)
		in.ref = fmt.Sprintf("%s %s (%s)", first, last, street)
		if first == "" || last == "" || street == "" {
			return store.Resident{}, in, rowMissingData
		}
		resident, found = m.ByNameStreet(first, last, street)
	}
	if !found {
		return store.Resident{}, in, rowNotFound
	}
	return resident, in, rowMatched
}

func (r *Reconciler) apply(ctx context.Context, state *runState, resident store.Resident, in upload) error {
	if existing, ok := state.signed[resident.ID]; ok {
		return r.patchExisting(ctx, state, resident, existing, in)
	}

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, "consent:"+resident.ID)
		if err != nil {
			return fmt.Errorf("lock resident: %w", err)
		}
		defer release()
	}

	// Another writer may have recorded a consent since the reference load.
	page, err := r.store.ListConsents(ctx, store.ListOptions{
		Filter: &store.Filter{Field: "residentId", Value: resident.ID},
		Limit:  1,
	})
	if err != nil {
		return fmt.Errorf("check existing consent: %w", err)
	}
	if len(page.Items) > 0 {
		return r.patchExisting(ctx, state, resident, page.Items[0], in)
	}

	current, err := r.store.GetResident(ctx, resident.ID)
	if err != nil {
		return fmt.Errorf("reload resident: %w", err)
	}
	created, _, err := r.recorder.RecordConsent(ctx, current, store.Consent{
		ResidentID:   current.ID,
		AddressID:    current.AddressID,
		RecordedAt:   r.now().UTC(),
		Source:       store.ConsentSourceCSVUpload,
		Email:        in.email,
		SubmissionID: in.submissionID,
	})
	if err != nil {
		return err
	}
	state.signed[resident.ID] = created
	state.result.NewRecords++
	return nil
}

// patchExisting fills only empty fields of the existing consent.
func (r *Reconciler) patchExisting(ctx context.Context, state *runState, resident store.Resident, existing store.Consent, in upload) error {
	state.result.AlreadySigned++
	state.signed[resident.ID] = existing

	patched := existing
	changed := false
	if existing.Email == "" && in.email != "" {
		patched.Email = in.email
		changed = true
	}
	if existing.SubmissionID == "" && in.submissionID != "" {
		patched.SubmissionID = in.submissionID
		changed = true
	}
	if changed {
		updated, err := r.store.UpdateConsent(ctx, patched)
		if err != nil {
			return fmt.Errorf("update consent %s: %w", existing.ID, err)
		}
		state.signed[resident.ID] = updated
		state.result.Updated++
	}

	if !resident.HasSigned {
		resident.HasSigned = true
		if resident.SignedAt == nil {
			at := existing.RecordedAt
			if at.IsZero() {
				at = r.now().UTC()
			}
			resident.SignedAt = &at
		}
		if _, err := r.store.UpdateResident(ctx, resident); err != nil {
			return fmt.Errorf("mark resident signed: %w", err)
		}
	}
	return nil
}

var ErrPartialConsent = errors.New("consent recorded but resident not marked signed")

// ConsentRecorder creates a consent and marks its resident signed as one
// logical step. On failure either nothing is left behind or the returned
// error wraps ErrPartialConsent.
type ConsentRecorder interface {
	RecordConsent(ctx context.Context, resident store.Resident, consent store.Consent) (store.Consent, store.Resident, error)
}

// StoreRecorder undoes the consent insert when marking the resident fails.
type StoreRecorder struct {
	Store interface {
		CreateConsent(ctx context.Context, item store.Consent) (store.Consent, error)
		DeleteConsent(ctx context.Context, id string) error
		UpdateResident(ctx context.Context, item store.Resident) (store.Resident, error)
	}
}

func (s *StoreRecorder) RecordConsent(ctx context.Context, resident store.Resident, consent store.Consent) (store.Consent, store.Resident, error) {
	created, err := s.Store.CreateConsent(ctx, consent)
	if err != nil {
		return store.Consent{}, resident, fmt.Errorf("create consent: %w", err)
	}

	signedAt := created.RecordedAt
	resident.HasSigned = true
	resident.SignedAt = &signedAt
	updated, err := s.Store.UpdateResident(ctx, resident)
	if err == nil {
		return created, updated, nil
	}

	// Rollback on a fresh context so a cancelled request still cleans up.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if delErr := s.Store.DeleteConsent(cleanupCtx, created.ID); delErr != nil {
		return created, resident, fmt.Errorf("%w: consent %s: mark signed: %v; rollback: %v", ErrPartialConsent, created.ID, err, delErr)
	}
	return store.Consent{}, resident, fmt.Errorf("mark resident signed: %w", err)
}

// rankConsents orders consents best first: non-empty email, then newest
// CreatedAt, then ascending ID.
func rankConsents(consents []store.Consent) []store.Consent {
	ranked := append([]store.Consent(nil), consents...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		aEmail, bEmail := strings.TrimSpace(a.Email) != "", strings.TrimSpace(b.Email) != ""
		if aEmail != bEmail {
			return aEmail
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ranked
}
