// Command worker is the worker process entrypoint: it dials a
// coordinator, negotiates a WorkerConfig, stands up the page/robots
// stores and a pool of crawler.Thread workers sized by the configured
// parser count, and runs until interrupted.
//
// Adapted from the teacher's crawler.Crawl top-level driver (a single
// BFS pass over one domain wired up in main), generalized to the
// long-running, coordinator-driven process spec.md §4 describes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codepr/crawlworker/crawler"
	"github.com/codepr/crawlworker/crawler/fetcher"
	"github.com/codepr/crawlworker/internal/env"
	"github.com/codepr/crawlworker/ipc"
	"github.com/codepr/crawlworker/page"
	"github.com/codepr/crawlworker/robots"
	"github.com/codepr/crawlworker/store"
	"github.com/codepr/crawlworker/wire"
)

// excludedExtensions skips binary downloads a tag-extracting crawl has no
// use for, ported from the teacher's hardcoded skip-list in crawler.go.
var excludedExtensions = []string{".pdf", ".zip", ".gz", ".exe", ".png", ".jpg", ".jpeg", ".gif", ".mp4", ".mp3"}

func main() {
	configPath := flag.String("config", "", "path to a YAML worker config (defaults used if omitted)")
	addrOverride := flag.String("coordinator", "", "coordinator address, overrides the config file")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	log.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := env.LoadOrDefault(*configPath)
	if *addrOverride != "" {
		cfg.CoordinatorAddr = *addrOverride
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("worker: exiting")
	}
}

func run(ctx context.Context, cfg env.Config, log *logrus.Entry) error {
	client, err := dial(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	go client.Run(ctx)

	wcfg, err := client.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("worker: negotiating config: %w", err)
	}
	log.WithFields(logrus.Fields{
		"worker_id":  wcfg.WorkerID,
		"user_agent": wcfg.UserAgent,
		"batch_size": wcfg.BatchSize,
	}).Info("worker: registered with coordinator")

	pages, robotsMgr, err := openStores(wcfg, cfg, log)
	if err != nil {
		return err
	}

	net := fetcher.NewHTTPNetIO(wcfg.UserAgent, cfg.FetchTimeout, cfg.BytesPerSec)
	rules := make([]fetcher.TagRule, 0, len(wcfg.ParseParam))
	for _, r := range wcfg.ParseParam {
		rules = append(rules, fetcher.TagRule{Type: r.Type, Attr: r.Attr})
	}
	parser := fetcher.NewGoqueryParser(rules)
	parser.ExcludeExtensions(excludedExtensions...)

	parsers := cfg.Parsers
	if parsers <= 0 {
		parsers = 1
	}
	client.SetCapabilities(wire.WorkerCapabilities{Parsers: uint32(parsers), TotalThreads: uint32(parsers)})

	var wg sync.WaitGroup
	threads := make([]*crawler.Thread, parsers)
	for i := 0; i < parsers; i++ {
		th := crawler.NewThread(i, client, pages, robotsMgr, net, parser, nil, log.WithField("thread", i))
		threads[i] = th
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.Run(ctx)
		}()
	}

	<-ctx.Done()
	log.Info("worker: shutting down")
	for _, th := range threads {
		th.Stop()
	}
	wg.Wait()
	return nil
}

// dial connects to the coordinator and wraps the raw net.Conn in the
// protocol state machine, retrying the handshake is left to the operator
// (spec.md §7: the driver never attempts in-band reconnection).
func dial(ctx context.Context, cfg env.Config, log *logrus.Entry) (*ipc.Client, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", cfg.CoordinatorAddr)
	if err != nil {
		return nil, fmt.Errorf("worker: dialing coordinator %s: %w", cfg.CoordinatorAddr, err)
	}
	ipcConn, err := ipc.NewConnection(conn)
	if err != nil {
		return nil, fmt.Errorf("worker: establishing connection: %w", err)
	}
	return ipc.NewClient(ipcConn, log.WithField("coordinator", cfg.CoordinatorAddr)), nil
}

// openStores builds the page and robots managers backed by file-per-key
// KvStores at the path and table names the coordinator handed
// down, sized by the locally configured cache budgets.
func openStores(wcfg wire.WorkerConfig, cfg env.Config, log *logrus.Entry) (*store.Manager[*page.Page], *store.Manager[*robots.Profile], error) {
	root := wcfg.DBPath
	if root == "" {
		root = cfg.StoreRoot
	}
	pageTable := wcfg.PageTable
	if pageTable == "" {
		pageTable = cfg.PageTable
	}
	robotsTable := wcfg.RobotsTable
	if robotsTable == "" {
		robotsTable = cfg.RobotsTable
	}

	pageStore, err := store.NewKvStore[*page.Page](root, pageTable, page.New, log)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: opening page store: %w", err)
	}
	robotsStore, err := store.NewKvStore[*robots.Profile](root, robotsTable, robots.New, log)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: opening robots store: %w", err)
	}

	pageCacheMax := int(wcfg.PageCacheMax)
	if pageCacheMax <= 0 {
		pageCacheMax = cfg.PageCacheMax
	}
	robotsCacheMax := int(wcfg.RobotsCacheMax)
	if robotsCacheMax <= 0 {
		robotsCacheMax = cfg.RobotsCacheMax
	}

	pages := store.NewManager[*page.Page](store.NewCache[*page.Page](pageCacheMax), pageStore, page.New, log)
	robotsMgr := store.NewManager[*robots.Profile](store.NewCache[*robots.Profile](robotsCacheMax), robotsStore, robots.New, log)
	return pages, robotsMgr, nil
}
