package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bdougie/framesearch/internal/config"
	"github.com/bdougie/framesearch/internal/logging"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/tracing"
)

// Exit codes.
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

const (
	modeVideos        = "videos"
	modeDirectory     = "--directory"
	modeSearch        = "--search"
	modeSearchNoSave  = "--search-no-save"
	modeInfo          = "info"
	modeListVideos    = "list-videos"
	modeListScenes    = "list-scenes"
	modeSearchSimilar = "search-similar"
	modeDelete        = "delete"
	modeDeleteVideo   = "delete-video"
	modeClear         = "clear"
	modeServe         = "serve"
	modeCompile       = "compile"
	modeDoctor        = "doctor"
)

var errUsage = errors.New("usage error")

const usage = `Usage:
  framesearch [options] <video_path>                    # Process single video
  framesearch [options] <video_path1> <video_path2> ...  # Process multiple videos
  framesearch [options] --directory <directory_path>     # Process all videos in directory
  framesearch [options] --search 'text query'            # Search videos by text
  framesearch [options] --search-no-save 'text query'    # Search without saving images
  framesearch [options] info                             # Show collection information
  framesearch [options] list-videos                      # List videos in the collection
  framesearch [options] list-scenes [--video name]       # List scenes
  framesearch [options] search-similar <frame_id> [--results n]
  framesearch [options] delete <frame_id>...             # Delete frames
  framesearch [options] delete-video <video_name>        # Delete every frame of a video
  framesearch [options] clear                            # Delete every frame
  framesearch [options] serve                            # Run the HTTP search API
  framesearch [options] compile --model <path> [--chips n]
  framesearch [options] doctor                           # Check external tools and services

Options:
  --config <file>        Config file (default framesearch.yaml when present)
  --db-path <dir>        Vector store directory
  --collection <name>    Collection name
  -n, --results <n>      Number of search results
  --metrics-addr <addr>  Serve prometheus metrics on addr
  --log-level <level>    debug, info, warn or error

Examples:
  framesearch videos/sample.mp4
  framesearch videos/sample.mp4 videos/cat.mp4
  framesearch --directory videos/
  framesearch --search 'person cutting vegetables'
  framesearch --search 'kitchen scene'
`

// options is the parsed command line.
type options struct {
	configPath  string
	dbPath      string
	collection  string
	results     int
	metricsAddr string
	logLevel    string

	mode  string
	args  []string
	video string
	model string
	chips int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	if opts.mode == "" {
		fmt.Fprint(stdout, usage)
		return exitOK
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFail
	}
	applyOverrides(&cfg, opts)

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.StartMetricsServer(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Tracing.Endpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("failed to flush traces", "error", err)
				}
			}()
		}
	}

	a := &app{cfg: cfg, logger: logger, stdout: stdout}
	defer a.close()

	switch opts.mode {
	case modeCompile:
		return a.compile(ctx, opts.model, opts.chips)
	case modeDoctor:
		return a.doctor(ctx)
	}

	if err := a.openStore(ctx); err != nil {
		logger.Error("failed to open vector store", "error", err)
		return exitFail
	}

	switch opts.mode {
	case modeVideos:
		return a.ingest(ctx, opts.args)
	case modeDirectory:
		return a.ingestDirectory(ctx, opts.args[0])
	case modeSearch:
		return a.searchFrames(ctx, strings.Join(opts.args, " "), true)
	case modeSearchNoSave:
		return a.searchFrames(ctx, strings.Join(opts.args, " "), false)
	case modeInfo:
		return a.info(ctx)
	case modeListVideos:
		return a.listVideos(ctx)
	case modeListScenes:
		return a.listScenes(ctx, opts.video)
	case modeSearchSimilar:
		return a.searchSimilar(ctx, opts.args[0])
	case modeDelete:
		return a.delete(ctx, opts.args)
	case modeDeleteVideo:
		return a.deleteVideo(ctx, opts.args[0])
	case modeClear:
		return a.clear(ctx)
	case modeServe:
		return a.serve(ctx)
	}

	fmt.Fprintf(stderr, "Error: unknown mode %q\n", opts.mode)
	return exitUsage
}

func applyOverrides(cfg *config.Config, opts options) {
	if opts.dbPath != "" {
		cfg.Store.Path = opts.dbPath
	}
	if opts.collection != "" {
		cfg.Store.Collection = opts.collection
	}
	if opts.results > 0 {
		cfg.Search.Results = opts.results
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
}

// parseArgs reads the global options, then the mode and its arguments.
func parseArgs(args []string) (options, error) {
	var opts options

	i := 0
	for ; i < len(args); i++ {
		var target *string
		switch args[i] {
		case "--config":
			target = &opts.configPath
		case "--db-path":
			target = &opts.dbPath
		case "--collection":
			target = &opts.collection
		case "--metrics-addr":
			target = &opts.metricsAddr
		case "--log-level":
			target = &opts.logLevel
		case "-n", "--results":
			n, err := intValue(args, i)
			if err != nil {
				return opts, err
			}
			opts.results = n
			i++
			continue
		}
		if target == nil {
			break
		}
		v, err := value(args, i)
		if err != nil {
			return opts, err
		}
		*target = v
		i++
	}

	rest := args[i:]
	if len(rest) == 0 {
		return opts, nil
	}

	mode, params := rest[0], rest[1:]
	switch mode {
	case modeDirectory, modeDeleteVideo, modeSearchSimilar:
		if len(params) == 0 {
			return opts, fmt.Errorf("%w: %s requires a value", errUsage, mode)
		}
		opts.mode = mode
		if mode == modeSearchSimilar {
			return parseSimilar(opts, params)
		}
		opts.args = params[:1]
		if len(params) > 1 {
			return opts, fmt.Errorf("%w: unexpected arguments after %s %s", errUsage, mode, params[0])
		}
	case modeSearch, modeSearchNoSave, modeDelete:
		if len(params) == 0 {
			return opts, fmt.Errorf("%w: %s requires a value", errUsage, mode)
		}
		opts.mode = mode
		opts.args = params
	case modeInfo, modeListVideos, modeClear, modeServe, modeDoctor:
		if len(params) > 0 {
			return opts, fmt.Errorf("%w: %s takes no arguments", errUsage, mode)
		}
		opts.mode = mode
	case modeListScenes:
		opts.mode = mode
		for j := 0; j < len(params); j++ {
			if params[j] != "--video" {
				return opts, fmt.Errorf("%w: unknown option %s", errUsage, params[j])
			}
			v, err := value(params, j)
			if err != nil {
				return opts, err
			}
			opts.video = v
			j++
		}
	case modeCompile:
		opts.mode = mode
		for j := 0; j < len(params); j++ {
			switch params[j] {
			case "--model":
				v, err := value(params, j)
				if err != nil {
					return opts, err
				}
				opts.model = v
			case "--chips":
				n, err := intValue(params, j)
				if err != nil {
					return opts, err
				}
				opts.chips = n
			default:
				return opts, fmt.Errorf("%w: unknown option %s", errUsage, params[j])
			}
			j++
		}
		if opts.model == "" {
			return opts, fmt.Errorf("%w: compile requires --model", errUsage)
		}
	default:
		if strings.HasPrefix(mode, "-") {
			return opts, fmt.Errorf("%w: unknown option %s", errUsage, mode)
		}
		opts.mode = modeVideos
		opts.args = rest
	}

	return opts, nil
}

func parseSimilar(opts options, params []string) (options, error) {
	opts.args = params[:1]
	for j := 1; j < len(params); j++ {
		if params[j] != "--results" && params[j] != "-n" {
			return opts, fmt.Errorf("%w: unknown option %s", errUsage, params[j])
		}
		n, err := intValue(params, j)
		if err != nil {
			return opts, err
		}
		opts.results = n
		j++
	}
	return opts, nil
}

func value(args []string, i int) (string, error) {
	if i+1 >= len(args) || args[i+1] == "" {
		return "", fmt.Errorf("%w: %s requires a value", errUsage, args[i])
	}
	return args[i+1], nil
}

func intValue(args []string, i int) (int, error) {
	v, err := value(args, i)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", errUsage, args[i], v)
	}
	return n, nil
}
