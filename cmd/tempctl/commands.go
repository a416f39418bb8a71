package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/JQIamo/temperature-control-app/internal/app"
	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/config"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/domain"
)

const metricsShutdownTimeout = 2 * time.Second

// watch keeps the session open until ctx ends, logging connection changes and
// telemetry. The metrics endpoint runs alongside when configured. On unix,
// SIGUSR1 reports that the network is back and triggers an immediate redial.
func watch(ctx context.Context, rt *app.Runtime, _ *options, out io.Writer) error {
	logger := rt.LogManager.Logger("cli")
	topics := []string{connectors.TopicConnStatus, connectors.TopicDeviceStatus, connectors.TopicControlChanged, connectors.TopicMalformedFrame}
	sub := rt.Bus.Subscribe(topics...)

	g, gctx := errgroup.WithContext(ctx)

	if listen := strings.TrimSpace(rt.Config.Metrics.Listen); listen != "" {
		srv := &http.Server{
			Addr:              listen,
			Handler:           metricsMux(rt),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "listen", listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// Discovery failures leave the client disconnected; keep watching so the
		// operator sees the status and can restart once the server is up.
		if err := rt.Start(); err != nil {
			logger.Warn("could not connect", "error", err)
		}

		return nil
	})

	if len(onlineSignals) > 0 {
		online := make(chan os.Signal, 1)
		signal.Notify(online, onlineSignals...)
		defer signal.Stop(online)
		g.Go(func() error {
			forwardOnline(gctx, online, rt.Client.NotifyOnline, logger)

			return nil
		})
	}

	g.Go(func() error {
		return printEvents(gctx, rt.Bus, sub, out, topics...)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// printEvents prints events from sub until ctx ends or the bus shuts down, then
// releases the subscription.
func printEvents(ctx context.Context, b bus.MessageBus, sub bus.Subscription, out io.Writer, topics ...string) error {
	defer b.Unsubscribe(sub, topics...)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sub:
			if !ok {
				return nil
			}
			printEvent(out, raw)
		}
	}
}

// forwardOnline asks the client to redial at once whenever a network-online
// signal arrives.
func forwardOnline(ctx context.Context, signals <-chan os.Signal, notify func() bool, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			logger.Info("network online signal", "signal", sig.String(), "redialing", notify())
		}
	}
}

func metricsMux(rt *app.Runtime) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status, _ := rt.CurrentConnStatus()
		if status.State != connectors.ConnectionStateOpen {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintln(w, app.DescribeConnectionStatus(status))
	})

	return mux
}

func printEvent(out io.Writer, raw any) {
	switch ev := raw.(type) {
	case connectors.ConnectionStatus:
		_, _ = fmt.Fprintf(out, "%s connection %s\n", stamp(ev.Timestamp), app.DescribeConnectionStatus(ev))
	case domain.StatusReport:
		_, _ = fmt.Fprintf(out, "%s %s\n", stamp(ev.ReceivedAt), summarizeReport(ev))
	case domain.ControlChanged:
		_, _ = fmt.Fprintf(out, "%s control changed\n", stamp(ev.At))
	case connectors.MalformedFrame:
		_, _ = fmt.Fprintf(out, "%s dropped malformed frame (%d bytes): %s\n", stamp(time.Now()), ev.Len, ev.Reason)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}

	return t.Format(time.TimeOnly)
}

func summarizeReport(report domain.StatusReport) string {
	parts := make([]string, 0, len(report.Status))
	for _, name := range report.DeviceNames() {
		parts = append(parts, fmt.Sprintf("%s=%s", name, formatTemperature(report.Status[name].Temperature)))
	}

	return strings.Join(parts, " ")
}

func formatTemperature(v *float64) string {
	if v == nil {
		return "n/a"
	}

	return fmt.Sprintf("%.2f", *v)
}

// connectReady starts the session and waits for the initial data.
func connectReady(ctx context.Context, rt *app.Runtime, opts *options) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	if err := rt.Start(); err != nil {
		cancel()

		return nil, nil, err
	}
	if err := rt.Client.WaitReady(ctx); err != nil {
		cancel()
		status, _ := rt.CurrentConnStatus()

		return nil, nil, fmt.Errorf("%w (connection %s)", err, app.DescribeConnectionStatus(status))
	}

	return ctx, cancel, nil
}

func printStatus(ctx context.Context, rt *app.Runtime, opts *options, out io.Writer) error {
	_, cancel, err := connectReady(ctx, rt, opts)
	if err != nil {
		return err
	}
	defer cancel()

	report, ok := rt.Client.LatestStatus()
	if !ok {
		return errors.New("server sent no status")
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DEVICE\tTEMP\tSETPOINT\tCONTROL\tPROGRAM\tACTION\tSTATUS\tERROR")
	for _, name := range report.DeviceNames() {
		s := report.Status[name]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			name, formatTemperature(s.Temperature), formatTemperature(s.Setpoint), s.ControlEnabled,
			dash(s.CurrentProgram), dash(s.CurrentAction), dash(s.Status), dash(s.ErrorMsg))
	}

	return tw.Flush()
}

func printHistory(ctx context.Context, rt *app.Runtime, opts *options, out io.Writer) error {
	_, cancel, err := connectReady(ctx, rt, opts)
	if err != nil {
		return err
	}
	defer cancel()

	snap := rt.Client.Buffer().Snapshot()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DEVICE\tSAMPLES\tFROM\tTO\tMIN\tMAX\tLAST")
	for _, name := range snap.Names() {
		series, _ := snap.Series(name)
		if series.Len() == 0 {
			_, _ = fmt.Fprintf(tw, "%s\t0\t-\t-\t-\t-\t-\n", name)

			continue
		}
		lo, hi := series.Values[0], series.Values[0]
		for _, v := range series.Values {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		last := series.Len() - 1
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.2f\t%.2f\t%.2f\n",
			name, series.Len(),
			series.Times[0].Format(time.DateTime), series.Times[last].Format(time.DateTime),
			lo, hi, series.Values[last])
	}

	return tw.Flush()
}

func printPrograms(ctx context.Context, rt *app.Runtime, opts *options, out io.Writer) error {
	_, cancel, err := connectReady(ctx, rt, opts)
	if err != nil {
		return err
	}
	defer cancel()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROGRAM\tDESCRIPTION")
	for _, p := range rt.Client.Programs() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", p.Name, dash(p.Description))
	}
	_, _ = fmt.Fprintf(tw, "\nRUNNING\t%s\n", dash(strings.Join(rt.Client.CurrentPrograms(), ", ")))

	actions := rt.Client.Actions()
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	_, _ = fmt.Fprintln(tw, "\nACTION\tPARAMS\tDESCRIPTION")
	for _, name := range names {
		a := actions[name]
		params := make([]string, 0, len(a.ParamsDesc))
		for _, p := range a.ParamsDesc {
			params = append(params, p.Name)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", name, dash(strings.Join(params, ",")), dash(a.Description))
	}

	return tw.Flush()
}

func runCommand(ctx context.Context, rt *app.Runtime, opts *options, command, arg string, out io.Writer) error {
	var program domain.Program
	if command == "run-file" {
		var err error
		if program, err = loadProgram(arg); err != nil {
			return err
		}
	}

	ctx, cancel, err := connectReady(ctx, rt, opts)
	if err != nil {
		return err
	}
	defer cancel()

	var results <-chan app.CommandResult
	switch command {
	case "run":
		results = rt.Client.RunPredefinedProgram(ctx, arg)
	case "abort":
		results = rt.Client.AbortProgram(ctx, arg)
	case "standby":
		results = rt.Client.StandbyDevice(ctx, arg)
	case "run-file":
		results = rt.Client.RunProgram(ctx, program)
	}

	res, err := app.Await(ctx, results)
	if err != nil {
		return err
	}
	if res.Name != "" {
		_, _ = fmt.Fprintf(out, "%s ok: %s\n", res.Kind, res.Name)
	} else {
		_, _ = fmt.Fprintf(out, "%s ok\n", res.Kind)
	}

	return nil
}

// archiveCommand reads or clears the local sample archive. It opens the archive
// even when recording is off in the config and never contacts the server.
func archiveCommand(ctx context.Context, opts *options, args []string, out io.Writer) error {
	usage := errors.New("usage: tempctl archive list <device> | tempctl archive clear")
	if len(args) == 0 {
		return usage
	}
	withArchive := func(cfg *config.AppConfig) {
		opts.apply(cfg)
		cfg.Recorder.Enabled = true
	}

	switch {
	case args[0] == "list" && len(args) == 2:
		return withRuntimeConfig(ctx, opts, withArchive, func(rt *app.Runtime) error {
			return printArchive(ctx, rt, args[1], time.Now().Add(-opts.since), out)
		})
	case args[0] == "clear" && len(args) == 1:
		return withRuntimeConfig(ctx, opts, withArchive, func(rt *app.Runtime) error {
			if err := rt.ClearArchive(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "cleared %s\n", rt.Config.Recorder.DBFile)

			return nil
		})
	default:
		return usage
	}
}

func printArchive(ctx context.Context, rt *app.Runtime, device string, since time.Time, out io.Writer) error {
	samples, err := rt.ArchivedSamples(ctx, device, since)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		_, _ = fmt.Fprintf(out, "no samples for %s since %s\n", device, since.Format(time.DateTime))

		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTEMP\tSETPOINT\tCONTROL\tPROGRAM\tACTION\tSTATUS")
	for _, s := range samples {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			s.At.Format(time.DateTime), formatTemperature(s.Temperature), formatTemperature(s.Setpoint), s.ControlEnabled,
			dash(s.Program), dash(s.Action), dash(s.Status))
	}

	return tw.Flush()
}

// loadProgram reads an ad-hoc program. YAML is chosen by extension.
func loadProgram(path string) (domain.Program, error) {
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- the path is given on the command line.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return domain.Program{}, fmt.Errorf("read program: %w", err)
	}

	var program domain.Program
	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &program)
	default:
		err = json.Unmarshal(raw, &program)
	}
	if err != nil {
		return domain.Program{}, fmt.Errorf("decode program: %w", err)
	}
	if err := program.Validate(); err != nil {
		return domain.Program{}, err
	}

	return program, nil
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}

	return s
}
