package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/pkg/json"
)

const (
	defaultPollInterval = 60 * time.Second
	pollPrefix          = "poll:"
	pollAllTarget       = pollPrefix + "*"
	webhookTarget       = "webhook"
)

type pollEndpoint struct {
	Path     string            `mapstructure:"path"`
	Method   string            `mapstructure:"method"`
	Interval time.Duration     `mapstructure:"interval"`
	Schedule string            `mapstructure:"schedule"`
	DataPath string            `mapstructure:"dataPath"`
	Headers  map[string]string `mapstructure:"headers"`
}

type poller struct {
	endpoint pollEndpoint
	schedule cron.Schedule
}

func pollTarget(path string) string { return pollPrefix + path }

// compilePolling validates the endpoints and resolves their schedules. A cron
// expression wins over an interval.
func compilePolling(endpoints []pollEndpoint) ([]poller, error) {
	seen := make(map[string]bool, len(endpoints))
	out := make([]poller, 0, len(endpoints))
	for i, ep := range endpoints {
		if ep.Path == "" {
			return nil, fmt.Errorf("endpoint %d: path is required", i)
		}
		if seen[ep.Path] {
			return nil, fmt.Errorf("endpoint %q is listed twice", ep.Path)
		}
		seen[ep.Path] = true
		ep.Method = strings.ToUpper(ep.Method)
		if ep.Method == "" {
			ep.Method = http.MethodGet
		}
		var sched cron.Schedule
		if ep.Schedule != "" {
			s, err := cron.ParseStandard(ep.Schedule)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: invalid schedule %q: %w", ep.Path, ep.Schedule, err)
			}
			sched = s
		} else {
			if ep.Interval < 0 {
				return nil, fmt.Errorf("endpoint %q: interval must not be negative", ep.Path)
			}
			if ep.Interval == 0 {
				ep.Interval = defaultPollInterval
			}
			sched = bridge.Interval(ep.Interval)
		}
		out = append(out, poller{endpoint: ep, schedule: sched})
	}
	return out, nil
}

func (d *httpDriver) armPolling() {
	for _, p := range d.polls {
		p := p
		d.base.Scheduler().Every(bridge.TimerPoll, p.endpoint.Path, p.schedule, func() {
			d.poll(d.base.Context(), p.endpoint)
		})
	}
}

func (d *httpDriver) disarmPolling() {
	d.base.Scheduler().CancelKind(bridge.TimerPoll)
}

// poll fetches one endpoint and routes the result to its subscribers and to
// the catch-all polling subscribers.
func (d *httpDriver) poll(ctx context.Context, ep pollEndpoint) int {
	ctx, cancel := context.WithTimeout(ctx, d.params.Timeout)
	defer cancel()
	log := d.base.Logger().With(zap.String("endpoint", ep.Path))

	res, err := d.do(ctx, ep.Method, ep.Path, nil, ep.Headers, nil)
	if err == nil {
		err = d.statusError(ep.Method, ep.Path, res)
	}
	if err != nil {
		log.Warn("Poll failed", zap.Error(err))
		d.base.RecordError(bridge.AsIntegrationError(err, bridge.ErrorCommunication, d.base.ID(), "poll failed").
			WithContext(map[string]interface{}{"endpoint": ep.Path}))
		return 0
	}

	payload, ok := json.Extract(res.body, ep.DataPath)
	if ep.DataPath != "" && !ok {
		log.Warn("Data path not found in poll response", zap.String("data_path", ep.DataPath))
		return 0
	}
	packet := bridge.NewPacket(d.params.BaseURL+"/"+strings.TrimLeft(ep.Path, "/"), payload,
		&bridge.Quality{Reliable: true, Status: "Good"},
		map[string]interface{}{"endpoint": ep.Path, "status": res.status, "method": ep.Method})
	if !d.isOpen() {
		log.Debug("Poll result discarded, integration closed")
		return 0
	}
	target := pollTarget(ep.Path)
	n := d.base.Dispatch(ctx, packet, func(s bridge.Subscription) bool {
		return s.Target == target || s.Target == pollAllTarget
	})
	log.Debug("Poll delivered", zap.Int("subscribers", n))
	return n
}
