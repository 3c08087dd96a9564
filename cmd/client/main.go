// Команда client запускает детекцию на сервере и печатает события запуска
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/internal/service"
)

const (
	flagServer   = "server"
	flagUpload   = "upload"
	flagTarget   = "target"
	flagThrottle = "throttle-ms"
	flagRoute    = "route"
	flagFrames   = "frames"
)

func main() {
	app := &cli.App{
		Name:  "pothole-client",
		Usage: "start pothole detection runs and follow their events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagServer,
				Value:   "http://localhost:8080",
				Usage:   "base URL of the detector API",
				EnvVars: []string{"DETECTOR_API_URL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "check server, database and detector health",
				Action: healthAction,
			},
			{
				Name:      "run",
				Usage:     "start a run and print its events until it finishes",
				ArgsUsage: "<video>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: flagUpload, Usage: "upload the local file instead of passing its path"},
					&cli.StringFlag{Name: flagTarget, Usage: "target class, server default when empty"},
					&cli.IntFlag{Name: flagThrottle, Value: -1, Usage: "snapshot interval in ms, 0 for timestamps only"},
					&cli.StringFlag{Name: flagRoute, Usage: "start_lat,start_lon,end_lat,end_lon"},
					&cli.BoolFlag{Name: flagFrames, Usage: "print frame events too"},
				},
				Action: runAction,
			},
			{
				Name:      "events",
				Usage:     "follow events of an existing run",
				ArgsUsage: "<run-id>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: flagFrames, Usage: "print frame events too"}},
				Action:    eventsAction,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a run",
				ArgsUsage: "<run-id>",
				Action:    cancelAction,
			},
			{
				Name:   "list",
				Usage:  "list recent runs",
				Action: listAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(c *cli.Context) *apiClient {
	return &apiClient{
		base: strings.TrimRight(c.String(flagServer), "/") + "/api/v1",
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (a *apiClient) do(req *http.Request, want int, out interface{}) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request %s %s failed", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != want {
		return errors.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(body, out), "failed to decode response")
}

func healthAction(c *cli.Context) error {
	a := newAPIClient(c)
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, a.base+"/health", nil)
	if err != nil {
		return err
	}
	var health map[string]interface{}
	if err := a.do(req, http.StatusOK, &health); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(health, "", "  ")
	color.Green("%s", out)
	return nil
}

func runAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("video path is required")
	}
	video := c.Args().First()
	a := newAPIClient(c)

	var req *http.Request
	var err error
	if c.Bool(flagUpload) {
		req, err = uploadRequest(c, a.base+"/runs", video)
	} else {
		req, err = jsonRequest(c, a.base+"/runs", video)
	}
	if err != nil {
		return err
	}

	var run service.RunResponse
	if err := a.do(req, http.StatusAccepted, &run); err != nil {
		return err
	}
	color.Cyan("Запуск %s создан для %s", run.ID, run.VideoPath)
	return follow(c, a, run.ID)
}

func jsonRequest(c *cli.Context, url, video string) (*http.Request, error) {
	abs, err := filepath.Abs(video)
	if err != nil {
		return nil, err
	}
	body := service.StartRunRequest{VideoPath: abs, TargetClass: c.String(flagTarget)}
	if ms := c.Int(flagThrottle); ms >= 0 {
		body.SnapshotThrottleMs = &ms
	}
	if route := c.String(flagRoute); route != "" {
		r, err := parseRoute(route)
		if err != nil {
			return nil, err
		}
		body.Route = r
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(c.Context, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func uploadRequest(c *cli.Context, url, video string) (*http.Request, error) {
	videoData, err := os.ReadFile(video)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read video file")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	videoWriter, err := writer.CreateFormFile("video", filepath.Base(video))
	if err != nil {
		return nil, err
	}
	if _, err := videoWriter.Write(videoData); err != nil {
		return nil, err
	}
	if target := c.String(flagTarget); target != "" {
		writer.WriteField("target_class", target)
	}
	if ms := c.Int(flagThrottle); ms >= 0 {
		writer.WriteField("snapshot_throttle_ms", fmt.Sprint(ms))
	}
	if route := c.String(flagRoute); route != "" {
		r, err := parseRoute(route)
		if err != nil {
			return nil, err
		}
		writer.WriteField("start_lat", fmt.Sprint(r.Start.Lat))
		writer.WriteField("start_lon", fmt.Sprint(r.Start.Lon))
		writer.WriteField("end_lat", fmt.Sprint(r.End.Lat))
		writer.WriteField("end_lon", fmt.Sprint(r.End.Lon))
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(c.Context, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

func parseRoute(s string) (*service.RouteRequest, error) {
	var r service.RouteRequest
	if _, err := fmt.Sscanf(s, "%g,%g,%g,%g", &r.Start.Lat, &r.Start.Lon, &r.End.Lat, &r.End.Lon); err != nil {
		return nil, errors.Wrapf(err, "route must be start_lat,start_lon,end_lat,end_lon, got %q", s)
	}
	return &r, nil
}

func eventsAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("run id is required")
	}
	return follow(c, newAPIClient(c), c.Args().First())
}

// follow читает SSE поток запуска до терминального события
func follow(c *cli.Context, a *apiClient, runID string) error {
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, a.base+"/runs/"+runID+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Поток живет столько же, сколько запуск
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to open event stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	showFrames := c.Bool(flagFrames)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var msg service.EventMessage
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &msg); err != nil {
			return errors.Wrap(err, "failed to decode event")
		}
		printEvent(msg, showFrames)
		if msg.Terminal() {
			if msg.Type == service.MessageFailed {
				return errors.Errorf("run failed: %s", msg.Reason)
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "event stream interrupted")
	}
	return errors.New("event stream closed before the run finished")
}

func printEvent(msg service.EventMessage, showFrames bool) {
	switch msg.Type {
	case service.MessageFrame:
		if showFrames {
			fmt.Printf("[%6ss] кадр %d\n", msg.Seconds, msg.Index)
		}
	case service.MessageStatus:
		if msg.Severity == pipeline.SeverityAlert.String() {
			color.Red("[%6ss] %s", msg.Seconds, msg.Label)
		}
	case service.MessageSnapshot:
		color.Yellow("[%6ss] снимок %s (%d объектов)", msg.Seconds, msg.SnapshotURL, len(msg.Detections))
	case service.MessageCompleted:
		if msg.TimestampOnly {
			color.Green("Готово. Метки времени: %s", strings.Join(msg.Summary, ", "))
			return
		}
		color.Green("Готово")
	case service.MessageCancelled:
		color.Yellow("Запуск остановлен")
	case service.MessageFailed:
		color.Red("Ошибка запуска: %s %s", msg.Reason, msg.Error)
	}
}

func cancelAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("run id is required")
	}
	a := newAPIClient(c)
	req, err := http.NewRequestWithContext(c.Context, http.MethodPost, a.base+"/runs/"+c.Args().First()+"/cancel", nil)
	if err != nil {
		return err
	}
	if err := a.do(req, http.StatusAccepted, nil); err != nil {
		return err
	}
	color.Yellow("Остановка запрошена")
	return nil
}

func listAction(c *cli.Context) error {
	a := newAPIClient(c)
	req, err := http.NewRequestWithContext(c.Context, http.MethodGet, a.base+"/runs?size=20", nil)
	if err != nil {
		return err
	}
	var list service.ListRunsResponse
	if err := a.do(req, http.StatusOK, &list); err != nil {
		return err
	}
	for _, run := range list.Runs {
		fmt.Printf("%s  %-9s  кадров %-5d тревог %-4d  %s\n", run.ID, run.State, run.FramesProcessed, len(run.Alerts), run.VideoPath)
	}
	fmt.Printf("Всего: %d\n", list.Total)
	return nil
}
