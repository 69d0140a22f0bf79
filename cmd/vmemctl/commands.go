package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/sushant-115/gojovmem/core/store"
)

type PutCmd struct {
	Key         string `arg:"" help:"Key, at most 31 bytes."`
	Value       string `arg:"" help:"Value, at most 126 bytes."`
	NoOverwrite bool   `name:"no-overwrite" help:"Leave an existing value in place."`
}

func (c *PutCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		return put(ctx, os.Stdout, a.store, c.Key, c.Value, !c.NoOverwrite)
	})
}

func put(ctx context.Context, w io.Writer, s *store.Store, key, value string, overwrite bool) error {
	var (
		inserted bool
		err      error
	)
	if overwrite {
		inserted, err = s.Put(ctx, key, value)
	} else {
		inserted, err = s.Insert(ctx, key, value)
	}
	if err != nil {
		return err
	}
	switch {
	case inserted:
		fmt.Fprintln(w, "inserted")
	case overwrite:
		fmt.Fprintln(w, "updated")
	default:
		fmt.Fprintln(w, "exists")
	}
	return nil
}

type GetCmd struct {
	Key string `arg:""`
}

func (c *GetCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		return get(ctx, os.Stdout, a.store, c.Key)
	})
}

func get(ctx context.Context, w io.Writer, s *store.Store, key string) error {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(w, "(not found)")
		return nil
	}
	fmt.Fprintln(w, v)
	return nil
}

type DelCmd struct {
	Key string `arg:""`
}

func (c *DelCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		return del(ctx, os.Stdout, a.store, c.Key)
	})
}

func del(ctx context.Context, w io.Writer, s *store.Store, key string) error {
	ok, err := s.Delete(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(w, "deleted")
	} else {
		fmt.Fprintln(w, "(not found)")
	}
	return nil
}

type ScanCmd struct {
	From  string `name:"from" help:"First key, inclusive."`
	To    string `name:"to" help:"Last key, exclusive."`
	Limit int    `name:"limit" short:"n" default:"100" help:"Maximum entries to print, 0 for all."`
}

func (c *ScanCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		return scan(ctx, os.Stdout, a.store, c.From, c.To, c.Limit)
	})
}

func scan(ctx context.Context, w io.Writer, s *store.Store, from, to string, limit int) error {
	n := 0
	err := s.Scan(ctx, from, to, limit, func(k, v string) bool {
		fmt.Fprintf(w, "%s\t%s\n", k, v)
		n++
		return true
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "(%s entries)\n", humanize.Comma(int64(n)))
	return nil
}

type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		return stats(ctx, os.Stdout, a.store)
	})
}

func stats(ctx context.Context, w io.Writer, s *store.Store) error {
	st, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	p := st.Pool
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "store id\t%s\n", st.ID)
	fmt.Fprintf(tw, "path\t%s\n", st.Path)
	fmt.Fprintf(tw, "entries\t%s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(tw, "tree height\t%d\n", st.Height)
	fmt.Fprintf(tw, "page size\t%s\n", humanize.IBytes(uint64(p.PageSize)))
	fmt.Fprintf(tw, "file size\t%s (%s pages)\n", humanize.IBytes(p.FilePages*uint64(p.PageSize)), humanize.Comma(int64(p.FilePages)))
	fmt.Fprintf(tw, "free pages\t%s\n", humanize.Comma(int64(p.FreePages)))
	fmt.Fprintf(tw, "resident pages\t%d / %d (%d locked)\n", p.ResidentPages, p.MaxMappedPages, p.LockedPages)
	fmt.Fprintf(tw, "cache hits / misses\t%s / %s\n", humanize.Comma(int64(p.CacheHits)), humanize.Comma(int64(p.CacheMisses)))
	fmt.Fprintf(tw, "evictions\t%s\n", humanize.Comma(int64(p.Evictions)))
	fmt.Fprintf(tw, "mapping\t%s\n", p.Mapping)
	return tw.Flush()
}

type CheckCmd struct{}

func (c *CheckCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		return check(ctx, os.Stdout, a.store)
	})
}

func check(ctx context.Context, w io.Writer, s *store.Store) error {
	if err := s.Check(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

type SnapshotCmd struct {
	Dest string `arg:"" type:"path" help:"Destination file or directory."`
}

func (c *SnapshotCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		return snapshot(ctx, os.Stdout, a.store, c.Dest)
	})
}

func snapshot(ctx context.Context, w io.Writer, s *store.Store, dst string) error {
	info, err := s.Snapshot(ctx, dst)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\t%s\tblake3:%s\t%s\n", info.Path, humanize.IBytes(uint64(info.Bytes)), info.Digest, info.Duration)
	return nil
}

type ConfigCmd struct{}

func (c *ConfigCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
