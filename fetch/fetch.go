// Package fetch ingests a source tree into a content-addressed store.
// An ingestion serializes the tree, hashes the stream, derives the
// store identifier, and then either reuses the existing entry, verifies
// and heals it, or writes a new one through a staging area.
package fetch

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitfetch/digest"
	"github.com/t7a/pitfetch/nar"
	"github.com/t7a/pitfetch/storepath"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/t7a/pitfetch/fetch")

// DefaultName is the entry name used when Options.Name is empty.
const DefaultName = "source"

// RepairFlag selects whether an existing entry is re-verified.
type RepairFlag int

const (
	NoRepair RepairFlag = iota
	Repair
)

// Outcome says which path an ingestion took.
type Outcome int

const (
	Ingested Outcome = iota + 1
	Deduplicated
	Verified
	Repaired
	Cached
)

func (o Outcome) String() string {
	switch o {
	case Ingested:
		return "ingested"
	case Deduplicated:
		return "deduplicated"
	case Verified:
		return "verified"
	case Repaired:
		return "repaired"
	case Cached:
		return "cached"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Options control one ingestion.  The zero value ingests recursively
// under DefaultName with no filter and no repair.
type Options struct {
	Name   string
	Method storepath.Method
	Filter nar.Filter
	Repair RepairFlag
	// Fingerprint, if set, identifies the source's state cheaply (a
	// commit hash, an mtime snapshot).  A cache hit on it skips
	// reading the source at all.
	Fingerprint string
}

// Result describes a successful ingestion.  Digest and Size are zero
// for a Cached outcome, which never reads the source.
type Result struct {
	ID      storepath.ID
	Digest  digest.Digest
	Size    int64
	Outcome Outcome
	// Corruption is set when Repair found the existing entry damaged
	// and rewrote it.
	Corruption error
}

// Fetcher ingests sources into Store.  Algo defaults to
// digest.Default; Cache is optional.
type Fetcher struct {
	Store Store
	Algo  digest.Algo
	Cache Cache
}

func (f *Fetcher) algo() digest.Algo {
	if f.Algo == "" {
		return digest.Default
	}
	return f.Algo
}

func cacheKey(opts Options, algo digest.Algo) string {
	return fmt.Sprintf("%s:%s:%s:%s", opts.Fingerprint, opts.Method, algo, opts.Name)
}

// Ingest adds src to the store and returns its identifier.
func (f *Fetcher) Ingest(ctx context.Context, src nar.Source, opts Options) (res *Result, err error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	ctx, span := tracer.Start(ctx, "fetch.ingest", trace.WithAttributes(
		attribute.String("pitfetch.name", opts.Name),
		attribute.String("pitfetch.method", opts.Method.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("pitfetch.id", string(res.ID)),
				attribute.String("pitfetch.outcome", res.Outcome.String()),
			)
		}
		span.End()
	}()

	err = validate(opts)
	if err != nil {
		return nil, err
	}
	algo := f.algo()

	var key string
	if opts.Fingerprint != "" && f.Cache != nil {
		key = cacheKey(opts, algo)
		if opts.Repair == NoRepair {
			res = f.cached(ctx, key)
			if res != nil {
				return
			}
		}
	}

	// first pass: hash only
	res, err = f.hash(ctx, src, opts, algo)
	if err != nil {
		return nil, err
	}
	id := res.ID
	info := storepath.Info{ID: id, Name: opts.Name, Method: opts.Method, Digest: res.Digest, Size: res.Size}
	log.Debugf("ingest %s: %s, %d bytes", id, res.Digest, res.Size)

	exists, err := f.Store.Exists(ctx, id)
	if err != nil {
		return nil, storeFail("exists", err)
	}

	switch {
	case !exists:
		res.Outcome = Ingested
	case opts.Repair == NoRepair:
		res.Outcome = Deduplicated
	default:
		res.Corruption, err = f.verify(ctx, info)
		if err != nil {
			return nil, err
		}
		if res.Corruption == nil {
			res.Outcome = Verified
			break
		}
		log.Warnf("repairing %s: %v", id, res.Corruption)
		res.Outcome = Repaired
	}

	if res.Outcome == Ingested || res.Outcome == Repaired {
		err = f.write(ctx, src, opts, info)
		if err != nil {
			return nil, err
		}
	}

	if key != "" {
		// the entry is committed either way; a stale cache only costs
		// a rehash next time
		if cerr := f.Cache.Upsert(key, id); cerr != nil {
			log.Warnf("fetch cache update for %s: %v", id, cerr)
		}
	}
	return
}

// Hash computes what Ingest would store src under, without touching
// the store.  The result's Outcome is zero.
func (f *Fetcher) Hash(ctx context.Context, src nar.Source, opts Options) (res *Result, err error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	err = validate(opts)
	if err != nil {
		return nil, err
	}
	return f.hash(ctx, src, opts, f.algo())
}

// validate rejects options no source could satisfy, before any I/O.
func validate(opts Options) error {
	err := storepath.ValidateName(opts.Name)
	if err != nil {
		return classify("validate", err)
	}
	switch opts.Method {
	case storepath.Recursive, storepath.Flat:
		return nil
	}
	return &Error{Kind: TypeMismatch, Op: "validate",
		Err: fmt.Errorf("unknown ingestion method %s", opts.Method)}
}

func (f *Fetcher) hash(ctx context.Context, src nar.Source, opts Options, algo digest.Algo) (res *Result, err error) {
	hasher, err := digest.NewHasher(algo)
	if err != nil {
		return nil, classify("hash", err)
	}
	err = f.serialize(ctx, src, opts, hasher)
	if err != nil {
		return nil, classify("hash", err)
	}
	d := hasher.Sum()
	id, err := storepath.Derive(opts.Method, d, opts.Name)
	if err != nil {
		return nil, classify("derive", err)
	}
	return &Result{ID: id, Digest: d, Size: hasher.Size()}, nil
}

// cached returns a Cached result if key maps to an entry the store
// still has.
func (f *Fetcher) cached(ctx context.Context, key string) *Result {
	id, ok, err := f.Cache.Lookup(key)
	if err != nil {
		log.Warnf("fetch cache lookup: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	exists, err := f.Store.Exists(ctx, id)
	if err != nil || !exists {
		log.Debugf("fetch cache entry %s gone from store: %v", id, err)
		return nil
	}
	return &Result{ID: id, Outcome: Cached}
}

// serialize writes the byte stream for src, per opts.Method, to w.
func (f *Fetcher) serialize(ctx context.Context, src nar.Source, opts Options, w io.Writer) (err error) {
	switch opts.Method {
	case storepath.Recursive:
		return nar.Dump(ctx, src, opts.Filter, w)
	case storepath.Flat:
		return flat(ctx, src, opts.Filter, w)
	}
	return fmt.Errorf("unknown ingestion method %s", opts.Method)
}

// flat copies the raw bytes of a single regular file.  A filter is
// only asked about the root, and only once the root is known to be a
// regular file.
func flat(ctx context.Context, src nar.Source, filter nar.Filter, w io.Writer) (err error) {
	st, err := src.Lstat(".")
	if err != nil {
		return &nar.SourceError{Op: "lstat", Path: ".", Err: err}
	}
	if st.Kind != nar.Regular {
		return &Error{Kind: TypeMismatch, Op: "flat", Path: ".",
			Err: fmt.Errorf("flat ingestion needs a regular non-executable file, got %s", st.Kind)}
	}
	if filter != nil && !filter.Include(".") {
		return nar.ErrRootExcluded
	}
	rc, err := src.Open(".")
	if err != nil {
		return &nar.SourceError{Op: "open", Path: ".", Err: err}
	}
	defer rc.Close()

	n, err := io.Copy(w, &flatReader{ctx: ctx, rd: rc})
	if err != nil {
		return
	}
	if n != st.Size {
		return &nar.SourceError{Op: "read", Path: ".",
			Err: fmt.Errorf("file changed size while reading: %d != %d", n, st.Size)}
	}
	return
}

// flatReader tags read failures as source errors, so they aren't
// mistaken for sink failures by io.Copy's caller.
type flatReader struct {
	ctx context.Context
	rd  io.Reader
}

func (r *flatReader) Read(buf []byte) (n int, err error) {
	if err = r.ctx.Err(); err != nil {
		return
	}
	n, err = r.rd.Read(buf)
	if err != nil && err != io.EOF {
		err = &nar.SourceError{Op: "read", Path: ".", Err: err}
	}
	return
}

// write streams src into a fresh staging area and commits it under
// info.ID.  The digest of this pass must match the one info carries.
func (f *Fetcher) write(ctx context.Context, src nar.Source, opts Options, info storepath.Info) (err error) {
	stg, err := f.Store.BeginStaging(ctx)
	if err != nil {
		return storeFail("stage", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if derr := stg.Discard(); derr != nil {
			log.Warnf("discard staging for %s: %v", info.ID, derr)
		}
	}()

	hasher, err := digest.NewHasher(info.Digest.Algo())
	if err != nil {
		return classify("stage", err)
	}

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := f.serialize(gctx, src, opts, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(hasher, stagingWriter{stg}), pr)
		// unblock the serializer if the sink failed
		pr.CloseWithError(err)
		return err
	})
	err = g.Wait()
	if err != nil {
		return classify("stage", err)
	}

	got := hasher.Sum()
	if !got.Equal(info.Digest) || hasher.Size() != info.Size {
		return &Error{Kind: SourceUnreadable, Op: "stage",
			Err: fmt.Errorf("source changed during ingestion: %s (%d bytes), expected %s (%d bytes)",
				got, hasher.Size(), info.Digest, info.Size)}
	}
	if err = ctx.Err(); err != nil {
		return classify("commit", err)
	}

	// Commit consumes the staging area even when it fails
	committed = true
	err = f.Store.Commit(ctx, stg, info)
	if err != nil {
		return storeFail("commit", err)
	}
	return
}

// verify rehashes the committed entry.  A damaged or unreadable entry
// is returned as corruption; only cancellation is fatal.
func (f *Fetcher) verify(ctx context.Context, info storepath.Info) (corruption, err error) {
	rc, rerr := f.Store.OpenRead(ctx, info.ID)
	if rerr == nil {
		var got digest.Digest
		var size int64
		got, size, rerr = digest.Reader(ctx, info.Digest.Algo(), rc)
		rc.Close()
		if rerr == nil && (!got.Equal(info.Digest) || size != info.Size) {
			rerr = fmt.Errorf("content hashes to %s (%d bytes), expected %s (%d bytes)",
				got, size, info.Digest, info.Size)
		}
	}
	if rerr == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, classify("verify", ctx.Err())
	}
	return &Error{Kind: DigestMismatchOnRepair, Op: "verify", Path: string(info.ID), Err: rerr}, nil
}

// storeFail classifies a store-side error, keeping cancellation
// distinct from write failures.
func storeFail(op string, err error) error {
	if KindOf(err) != 0 {
		return err
	}
	if e := classify(op, err); KindOf(e) == Canceled {
		return e
	}
	return &Error{Kind: StoreWriteFailure, Op: op, Err: err}
}
