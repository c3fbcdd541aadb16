package telarc

import "errors"

var (
	// ErrSchemaMismatch is returned when a column is opened or appended with
	// an element type different from its on-disk metadata.
	ErrSchemaMismatch = errors.New("element type does not match on-disk schema")

	// ErrLengthDrift is returned when two columns of one content type are
	// found with unequal lengths. This signals prior corruption and is fatal
	// for the content until the operator truncates and rebuilds.
	ErrLengthDrift = errors.New("column lengths differ within content")

	// ErrGapTooLarge is returned when the gap between the last ingested
	// tstop and a new file's tstart exceeds the permitted maximum.
	ErrGapTooLarge = errors.New("time gap between archive files too large")

	// ErrOverlappingFile is returned when a new file's tstart precedes the
	// last ingested tstop.
	ErrOverlappingFile = errors.New("archive file overlaps previously ingested data")

	// ErrDuplicateFiletime is returned when two distinct filenames carry the
	// same filetime within one content.
	ErrDuplicateFiletime = errors.New("duplicate filetime in archive catalog")

	// ErrUnknownMSID is returned when a name or glob pattern matches no
	// known MSID.
	ErrUnknownMSID = errors.New("unknown MSID")

	// ErrGlobOverMatch is returned when a glob pattern matches more MSIDs
	// than the configured limit.
	ErrGlobOverMatch = errors.New("glob pattern matches too many MSIDs")

	// ErrAmbiguousMSID is returned when a single-MSID fetch pattern matches
	// more than one channel.
	ErrAmbiguousMSID = errors.New("pattern matches more than one MSID")

	// ErrUnknownContent is returned when a content type is not registered.
	ErrUnknownContent = errors.New("unknown content type")

	// ErrSourceDecom wraps failures to decode an upstream source file. The
	// file is skipped and the catalog does not advance.
	ErrSourceDecom = errors.New("source file decom failed")
)
