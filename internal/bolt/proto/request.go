package proto

import (
	"math"

	"github.com/nishisan-dev/neobolt/internal/bolt/boltcode"
	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
)

// RunOptions carries the common fields RUN and BEGIN both accept (spec
// §4.5 "Common request builder"). Timeout is accepted as `any` (nil,
// float64, int, or int64) so the validation path mirrors the original's
// duck-typed "timeout must be a number" check instead of being made
// moot by a fixed Go type.
type RunOptions struct {
	ReadMode  bool
	Db        string
	ImpUser   string
	Bookmarks []string
	Metadata  map[string]any
	Timeout   any
}

// buildExtra assembles the `extra` map shared by RUN and BEGIN (spec
// §4.5, §6 "extra map keys"). allowImpUser gates ImpUser per version;
// supplying it where not allowed fails fast with a ConfigurationError
// and builds nothing (spec scenario S5).
func buildExtra(opts RunOptions, allowImpUser bool, version Version) (*packstream.Map, error) {
	if opts.ImpUser != "" && !allowImpUser {
		return nil, boltcode.NewImpersonationUnsupportedError(version.String(), opts.ImpUser)
	}

	extra := packstream.NewMap()
	if opts.ReadMode {
		extra.Set("mode", "r")
	}
	if opts.Db != "" {
		extra.Set("db", opts.Db)
	}
	if opts.ImpUser != "" {
		extra.Set("imp_user", opts.ImpUser)
	}
	if len(opts.Bookmarks) > 0 {
		bookmarks := make([]any, len(opts.Bookmarks))
		for i, b := range opts.Bookmarks {
			bookmarks[i] = b
		}
		extra.Set("bookmarks", bookmarks)
	}
	if len(opts.Metadata) > 0 {
		extra.Set("tx_metadata", opts.Metadata)
	}
	if opts.Timeout != nil {
		ms, err := timeoutMillis(opts.Timeout)
		if err != nil {
			return nil, err
		}
		extra.Set("tx_timeout", ms)
	}
	return extra, nil
}

// timeoutMillis converts a timeout given in seconds to milliseconds,
// rejecting non-numeric or negative input (spec §8 invariant 7: "0 is
// accepted").
func timeoutMillis(timeout any) (int64, error) {
	var seconds float64
	switch v := timeout.(type) {
	case float64:
		seconds = v
	case float32:
		seconds = float64(v)
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	default:
		return 0, &boltcode.InputValidationError{Msg: "Timeout must be specified as a number of seconds"}
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, &boltcode.InputValidationError{Msg: "Timeout must be specified as a number of seconds"}
	}
	ms := int64(seconds * 1000)
	if ms < 0 {
		return 0, &boltcode.InputValidationError{Msg: "Timeout must be a positive number or 0."}
	}
	return ms, nil
}
