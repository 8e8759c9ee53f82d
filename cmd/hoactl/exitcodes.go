package main

import (
	"errors"
	"net/http"

	"dissolve/api/internal/app"
	"dissolve/api/internal/csvio"
	"dissolve/api/internal/lock"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK         = 0
	exitValidation = 2
	exitUsage      = 3
	exitDB         = 4
	exitDBWrite    = 5
	exitBusy       = 6
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// classify attaches an exit code to a service error, using fallback for
// anything that is not a known input or concurrency failure.
func classify(err error, fallback int) error {
	if err == nil {
		return nil
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, lock.ErrBusy):
		return withCode(exitBusy, err)
	case errors.Is(err, csvio.ErrEmptyFile), errors.Is(err, csvio.ErrMissingColumns):
		return withCode(exitValidation, err)
	}
	var domainErr *app.DomainError
	if errors.As(err, &domainErr) && domainErr.Status < http.StatusInternalServerError {
		if domainErr.Status == http.StatusConflict {
			return withCode(exitBusy, err)
		}
		return withCode(exitValidation, err)
	}
	return withCode(fallback, err)
}
