package sfu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/rtc"
)

// WorkerConfig is everything the subprocess needs at startup. The UDP port
// range and codec set cannot change for a running worker.
type WorkerConfig struct {
	Bin        string
	LogLevel   string
	RtcMinPort int
	RtcMaxPort int
}

// Worker owns the media worker subprocess and its IPC channel. One worker
// with one routing context covers the target scale (tens of producers).
type Worker struct {
	cmd  *exec.Cmd
	ch   *Channel
	died chan struct{}

	closeOnce sync.Once
}

// NewWorker spawns the subprocess. The request pipe is passed as child fd 3
// and the response/notification pipe as child fd 4.
func NewWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("response pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, cfg.Bin,
		fmt.Sprintf("--logLevel=%s", cfg.LogLevel),
		fmt.Sprintf("--rtcMinPort=%d", cfg.RtcMinPort),
		fmt.Sprintf("--rtcMaxPort=%d", cfg.RtcMaxPort),
	)
	cmd.ExtraFiles = []*os.File{reqR, respW}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(reqR, reqW, respR, respW)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		closeAll(reqR, reqW, respR, respW)
		return nil, fmt.Errorf("start media worker %q: %w", cfg.Bin, err)
	}
	// The child holds its own copies now.
	reqR.Close()
	respW.Close()

	w := &Worker{
		cmd:  cmd,
		ch:   NewChannel(reqW, respR),
		died: make(chan struct{}),
	}
	go w.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		log.Warn().Err(err).Str("module", "sfu.worker").Int("pid", cmd.Process.Pid).Msg("media worker exited")
		w.ch.Close()
		close(w.died)
	}()
	log.Info().Str("module", "sfu.worker").Int("pid", cmd.Process.Pid).
		Int("rtc_min_port", cfg.RtcMinPort).Int("rtc_max_port", cfg.RtcMaxPort).
		Msg("media worker started")
	return w, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (w *Worker) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Debug().Str("module", "sfu.worker").Msg(sc.Text())
	}
}

// Died is closed when the subprocess exits for any reason. Worker loss is
// terminal for the whole service.
func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) Channel() *Channel { return w.ch }

// CreateRouter builds the routing context: capabilities are synthesized
// here from the configured codecs and injected into the worker, so
// capability reads never touch the IPC channel afterwards.
func (w *Worker) CreateRouter(ctx context.Context, mediaCodecs []*rtc.RtpCodecCapability) (*Router, error) {
	caps, err := rtc.GenerateRouterRtpCapabilities(mediaCodecs)
	if err != nil {
		return nil, fmt.Errorf("router capabilities: %w", err)
	}
	id := uuid.NewString()
	_, err = w.ch.Request(ctx, "worker.createRouter", "", map[string]any{
		"routerId":        id,
		"rtpCapabilities": caps,
	})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	return NewRouter(id, w.ch, caps), nil
}

// Close asks the worker to exit and kills it if it lingers.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = w.ch.Request(ctx, "worker.close", "", nil)
		w.ch.Close()
		select {
		case <-w.died:
		case <-time.After(3 * time.Second):
			log.Warn().Str("module", "sfu.worker").Msg("media worker still alive, killing")
			_ = w.cmd.Process.Kill()
		}
	})
}
