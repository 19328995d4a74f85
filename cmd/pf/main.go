package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	pf "github.com/t7a/pitfetch"
	"github.com/t7a/pitfetch/db"
	"github.com/t7a/pitfetch/digest"
	"github.com/t7a/pitfetch/fetch"
	"github.com/t7a/pitfetch/fuse"
	"github.com/t7a/pitfetch/nar"
	"github.com/t7a/pitfetch/source"
	"github.com/t7a/pitfetch/storepath"
	"github.com/t7a/pitfetch/watch"
)

type Opts struct {
	Init        bool
	Ingest      bool
	Hash        bool
	Ls          bool
	Info        bool
	Cat         bool
	Export      bool
	Verify      bool
	Watch       bool
	Mount       bool
	Store       string   `docopt:"--store"`
	Algo        string   `docopt:"--algo"`
	Debug       bool     `docopt:"--debug"`
	Quiet       bool     `docopt:"-q"`
	Flat        bool     `docopt:"--flat"`
	Repair      bool     `docopt:"--repair"`
	Exclude     []string `docopt:"--exclude"`
	Fingerprint string   `docopt:"--fingerprint"`
	Count       bool     `docopt:"--count"`
	Source      string   `docopt:"<source>"`
	Name        string   `docopt:"<name>"`
	ID          string   `docopt:"<id>"`
	Dest        string   `docopt:"<dest>"`
	Mountpoint  string   `docopt:"<mountpoint>"`
}

const usage = `pitfetch

Usage:
  pf [options] init [--algo=<algo>]
  pf [options] ingest [-q] [--flat] [--repair] [--exclude=<glob>]... [--fingerprint=<fp>] <source> [<name>]
  pf [options] hash [--flat] [--exclude=<glob>]... <source> [<name>]
  pf [options] ls [--count]
  pf [options] info <id>
  pf [options] cat <id>
  pf [options] export <id> <dest>
  pf [options] verify
  pf [options] watch [--flat] [--exclude=<glob>]... <source> [<name>]
  pf [options] mount <mountpoint>

Options:
  -h --help          Show this screen.
  --version          Show version.
  --store=<dir>      Store directory, else $PF_STORE, $DBDIR, or the current dir.
  --debug            Debug logging, also set by $PF_DEBUG or $DEBUG=1.
  --algo=<algo>      Hash algorithm for a new store, else $PF_ALGO or sha256.
`

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

// config layers pitfetch.yaml under the environment.  Flags override
// both.
func config() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PF")
	v.AutomaticEnv()
	v.BindEnv("store", "PF_STORE", "DBDIR")
	v.SetDefault("algo", string(digest.Default))
	v.SetConfigName("pitfetch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/pitfetch")
	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); err != nil && !ok {
		log.Warnf("config: %v", err)
	}
	return v
}

func run() (rc int) {
	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly, OptionsFirst: false}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.1")
	if err != nil {
		return 22
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}

	v := config()
	pf.SetupLogging(opts.Debug || v.GetBool("debug"))
	if opts.Store == "" {
		opts.Store = v.GetString("store")
	}
	if opts.Algo == "" {
		opts.Algo = v.GetString("algo")
	}
	log.Debug(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch true {
	case opts.Init:
		msg, err := create(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Println(msg)
	case opts.Ingest:
		res, err := ingest(ctx, opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		if opts.Quiet {
			fmt.Println(res.ID)
		} else {
			fmt.Printf("%s %s\n", res.Outcome, res.ID)
		}
	case opts.Hash:
		res, err := hash(ctx, opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Printf("%s %s %d\n", res.ID, res.Digest, res.Size)
	case opts.Ls:
		ids, err := ls(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		if opts.Count {
			fmt.Println(len(ids))
			break
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	case opts.Info:
		info, err := getInfo(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Printf("id: %s\nname: %s\nmethod: %s\ndigest: %s\nsize: %d\ncreated: %s\n",
			info.ID, info.Name, info.Method, info.Digest, info.Size, info.Created.Format("2006-01-02T15:04:05Z"))
	case opts.Cat:
		err := cat(ctx, opts, os.Stdout)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Export:
		err := export(ctx, opts)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Verify:
		n, problems, err := verify(ctx, opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, p := range problems {
			fmt.Printf("damaged %s: %v\n", p.ID, p.Err)
		}
		fmt.Printf("verified %d entries, %d damaged\n", n, len(problems))
		if len(problems) > 0 {
			return 1
		}
	case opts.Watch:
		err := watchSource(ctx, opts)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Mount:
		err := mount(ctx, opts)
		if err != nil {
			log.Error(err)
			return 42
		}
	}
	return 0
}

func dbdir(opts Opts) (dir string, err error) {
	dir = opts.Store
	if dir == "" {
		dir, err = os.Getwd()
	}
	return
}

func create(opts Opts) (msg string, err error) {
	dir, err := dbdir(opts)
	if err != nil {
		return
	}
	store, err := db.Db{Dir: dir, Algo: digest.Algo(opts.Algo)}.Create()
	if err != nil {
		return
	}
	return fmt.Sprintf("Initialized empty store in %s", store.Dir), nil
}

func opendb(opts Opts) (store *db.Db, err error) {
	dir, err := dbdir(opts)
	if err != nil {
		return
	}
	return db.Open(dir)
}

// fetchOpts builds ingestion options from the command line.  The name
// defaults to the source's base name.
func fetchOpts(opts Opts) (fo fetch.Options, src *source.FS, err error) {
	abs, err := filepath.Abs(opts.Source)
	if err != nil {
		return
	}
	fo.Name = opts.Name
	if fo.Name == "" {
		fo.Name = filepath.Base(abs)
		if storepath.ValidateName(fo.Name) != nil {
			fo.Name = fetch.DefaultName
		}
	}
	var filters []nar.Filter
	if len(opts.Exclude) > 0 {
		filters = append(filters, nar.ExcludeGlobs(opts.Exclude...))
	}
	if skip := storeFilter(opts, abs); skip != nil {
		filters = append(filters, skip)
	}
	if len(filters) > 0 {
		fo.Filter = nar.All(filters...)
	}
	if opts.Repair {
		fo.Repair = fetch.Repair
	}
	fo.Fingerprint = opts.Fingerprint
	if opts.Flat {
		fo.Method = storepath.Flat
		return fo, source.File(abs), nil
	}
	return fo, source.Dir(abs), nil
}

// storeFilter keeps a store that lives inside the source tree out of
// its own entries.  It returns nil when the store is elsewhere.
func storeFilter(opts Opts, src string) nar.Filter {
	dir, err := dbdir(opts)
	if err != nil {
		return nil
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(src, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	rel = filepath.ToSlash(rel)
	return nar.FilterFunc(func(p string) bool {
		return p != rel
	})
}

func fetcher(store *db.Db) *fetch.Fetcher {
	return &fetch.Fetcher{Store: store, Algo: store.Algo, Cache: store}
}

func ingest(ctx context.Context, opts Opts) (res *fetch.Result, err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	fo, src, err := fetchOpts(opts)
	if err != nil {
		return
	}
	res, err = fetcher(store).Ingest(ctx, src, fo)
	if err != nil {
		return
	}
	if res.Corruption != nil {
		log.Warnf("repaired %s: %v", res.ID, res.Corruption)
	}
	return
}

// hash uses the store's algorithm when there is a store, and the
// configured one otherwise.
func hash(ctx context.Context, opts Opts) (res *fetch.Result, err error) {
	fo, src, err := fetchOpts(opts)
	if err != nil {
		return
	}
	f := &fetch.Fetcher{Algo: digest.Algo(opts.Algo)}
	if store, err := opendb(opts); err == nil {
		f.Algo = store.Algo
	}
	return f.Hash(ctx, src, fo)
}

func ls(opts Opts) (ids []storepath.ID, err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	return store.List()
}

func getInfo(opts Opts) (info storepath.Info, err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	id, err := storepath.ParseID(opts.ID)
	if err != nil {
		return
	}
	return store.Info(id)
}

func cat(ctx context.Context, opts Opts, w io.Writer) (err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	id, err := storepath.ParseID(opts.ID)
	if err != nil {
		return
	}
	rc, err := store.OpenRead(ctx, id)
	if err != nil {
		return
	}
	defer rc.Close()
	_, err = io.Copy(w, digest.ContextReader(ctx, rc))
	return
}

// export materializes an entry at dest: the tree for a recursive
// entry, the file for a flat one.
func export(ctx context.Context, opts Opts) (err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	id, err := storepath.ParseID(opts.ID)
	if err != nil {
		return
	}
	info, err := store.Info(id)
	if err != nil {
		return
	}
	rc, err := store.OpenRead(ctx, id)
	if err != nil {
		return
	}
	defer rc.Close()
	rd := digest.ContextReader(ctx, rc)

	fsys := afero.NewOsFs()
	if info.Method == storepath.Recursive {
		return nar.Restore(rd, fsys, opts.Dest)
	}
	fh, err := fsys.OpenFile(opts.Dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return
	}
	_, err = io.Copy(fh, rd)
	if err != nil {
		fh.Close()
		return
	}
	return fh.Close()
}

func verify(ctx context.Context, opts Opts) (n int, problems []db.Problem, err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	return store.Verify(ctx)
}

func watchSource(ctx context.Context, opts Opts) (err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	fo, _, err := fetchOpts(opts)
	if err != nil {
		return
	}
	w, err := watch.New(fetcher(store), opts.Source, fo, func(res *fetch.Result, err error) {
		if err == nil {
			fmt.Printf("%s %s\n", res.Outcome, res.ID)
		}
	})
	if err != nil {
		return
	}
	return w.Run(ctx)
}

func mount(ctx context.Context, opts Opts) (err error) {
	store, err := opendb(opts)
	if err != nil {
		return
	}
	server, err := fuse.Serve(store, opts.Mountpoint, opts.Debug)
	if err != nil {
		return
	}
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			log.Errorf("unmount: %v", err)
		}
	}()
	server.Wait()
	return
}
