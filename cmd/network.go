package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/coolsite/internal/geo"
	"github.com/sells-group/coolsite/internal/graph"
	"github.com/sells-group/coolsite/internal/osmnet"
	"github.com/sells-group/coolsite/internal/store"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Acquire and inspect pedestrian networks",
	Long:  "Commands for fetching walkable street networks from OpenStreetMap and managing the graph cache.",
}

// networkInfo is printed by network fetch and network info.
type networkInfo struct {
	Boundary  string         `json:"boundary,omitempty"`
	Key       string         `json:"key,omitempty"`
	CRS       string         `json:"crs"`
	Stats     graph.Stats    `json:"stats"`
	Report    *osmnet.Report `json:"report,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// -- network fetch --

var networkFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch, build and cache the network for a boundary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		b, err := loadBoundary(cmd)
		if err != nil {
			return err
		}
		if b.IsZero() {
			return &configError{err: eris.New("one of --bbox or --boundary is required")}
		}
		osmPath, _ := cmd.Flags().GetString("osm")

		r, deps, err := newRunner(ctx, osmPath, false)
		if err != nil {
			return err
		}
		defer deps.Close()

		net, err := r.Network(ctx, b, nil)
		if err != nil {
			return eris.Wrap(err, "network fetch")
		}
		return printJSON(networkInfo{
			Boundary:  net.Boundary.String(),
			Key:       net.Key,
			CRS:       net.Graph.CRS(),
			Stats:     net.Stats,
			Report:    net.Report,
			ElapsedMS: net.Elapsed.Milliseconds(),
		})
	},
}

// -- network info --

var networkInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarise a node-link network file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("nodelink")
		if path == "" {
			return &configError{err: eris.New("--nodelink is required")}
		}
		f, err := os.Open(path)
		if err != nil {
			return asInput(eris.Wrapf(err, "open node-link %s", path))
		}
		defer f.Close() //nolint:errcheck

		start := time.Now()
		g, rep, err := osmnet.LoadNodeLink(f, geo.Projection{}, cfg.Coverage.WalkSpeedKmh)
		if err != nil {
			return asInput(err)
		}
		return printJSON(networkInfo{
			CRS:       g.CRS(),
			Stats:     g.Stats(),
			Report:    &rep,
			ElapsedMS: time.Since(start).Milliseconds(),
		})
	},
}

// -- network cache --

var networkCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the on-disk graph cache",
}

var networkCacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached graphs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListGraphs(ctx)
		if err != nil {
			return eris.Wrap(err, "network cache list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Graph cache is empty.")
			return nil
		}
		formatGraphEntries(os.Stdout, entries, time.Now())
		return nil
	},
}

var networkCachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cached graphs (all with --all)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		all, _ := cmd.Flags().GetBool("all")
		n, err := st.PurgeGraphs(ctx, !all)
		if err != nil {
			return eris.Wrap(err, "network cache purge")
		}
		fmt.Fprintf(os.Stdout, "Purged %d cached graph(s).\n", n)
		return nil
	},
}

var networkCacheClearCmd = &cobra.Command{
	Use:   "clear <prefix>",
	Short: "Delete cached graphs whose key starts with prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cache := store.NewGraphCache(cfg.Cache.Capacity, cfg.Cache.TTL(), st)
		if err := cache.Invalidate(ctx, args[0]); err != nil {
			return eris.Wrap(err, "network cache clear")
		}
		fmt.Fprintf(os.Stdout, "Cleared cached graphs matching %q.\n", args[0])
		return nil
	},
}

func formatGraphEntries(out io.Writer, entries []store.GraphEntry, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tNODES\tEDGES\tBYTES\tCREATED\tSTATE")
	for _, e := range entries {
		state := "fresh"
		if !e.ExpiresAt.After(now) {
			state = "expired"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			e.Key, e.Nodes, e.Edges, e.Bytes, e.CreatedAt.Format("2006-01-02 15:04"), state)
	}
	_ = w.Flush()
}

func init() {
	addBoundaryFlags(networkFetchCmd)
	networkInfoCmd.Flags().String("nodelink", "", "node-link JSON network file")
	networkCachePurgeCmd.Flags().Bool("all", false, "delete every cached graph, not only expired ones")

	networkCacheCmd.AddCommand(networkCacheListCmd)
	networkCacheCmd.AddCommand(networkCachePurgeCmd)
	networkCacheCmd.AddCommand(networkCacheClearCmd)

	networkCmd.AddCommand(networkFetchCmd)
	networkCmd.AddCommand(networkInfoCmd)
	networkCmd.AddCommand(networkCacheCmd)
	rootCmd.AddCommand(networkCmd)
}
