package main

import (
	"context"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/alert"
	"github.com/darktracer/darktracer/internal/config"
	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/firewall"
	"github.com/darktracer/darktracer/internal/honeypot"
	"github.com/darktracer/darktracer/internal/logger"
)

type clients struct {
	waf firewall.WAFAPI
	ec2 firewall.EC2API
	sns alert.API
}

var newClients = func(ctx context.Context) (*clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &clients{
		waf: wafv2.NewFromConfig(cfg),
		ec2: ec2.NewFromConfig(cfg),
		sns: sns.NewFromConfig(cfg),
	}, nil
}

type settings struct {
	IPSetName       string
	IPSetID         string
	SecurityGroupID string
	TopicARN        string
}

func loadSettings() settings {
	p := config.LoadProject("ENV")
	return settings{
		IPSetName:       p.IPSetName(),
		IPSetID:         config.EnvOr("IP_SET_ID", ""),
		SecurityGroupID: config.EnvOr("SECURITY_GROUP_ID", ""),
		TopicARN:        config.EnvOr("SNS_TOPIC_ARN", ""),
	}
}

type result struct {
	Message      string   `json:"message"`
	IPsProcessed []string `json:"ips_processed"`
}

type responder struct {
	s       settings
	blocker *firewall.Blocker
	closer  *firewall.Closer
	alerts  *alert.Publisher
}

func main() {
	logger.Init(logger.FromEnv("threat_responder"))
	lambda.Start(handler)
}

func handler(ctx context.Context, evt events.CloudwatchLogsEvent) (events.APIGatewayProxyResponse, error) {
	res, err := respond(ctx, evt)
	if err != nil {
		log.Error().Err(err).Str("kind", faults.KindOf(err)).Msg("threat response failed")
		return faults.Response(err), nil
	}
	return faults.OK(res), nil
}

func respond(ctx context.Context, evt events.CloudwatchLogsEvent) (result, error) {
	data, err := evt.AWSLogs.Parse()
	if err != nil {
		return result{}, faults.Upstream("decode subscription payload", err)
	}
	c, err := newClients(ctx)
	if err != nil {
		return result{}, faults.Upstream("load aws config", err)
	}
	s := loadSettings()
	r := &responder{
		s:       s,
		blocker: &firewall.Blocker{Client: c.waf, Name: s.IPSetName, ID: s.IPSetID},
		closer:  &firewall.Closer{Client: c.ec2},
		alerts:  &alert.Publisher{Client: c.sns, TopicARN: s.TopicARN},
	}
	if s.SecurityGroupID == "" {
		log.Warn().Msg("no security group id configured, ports will not be closed")
	}

	res := result{Message: "Processing complete", IPsProcessed: []string{}}
	seen := map[string]bool{}
	for _, le := range data.LogEvents {
		ev, err := honeypot.ParseEvent(le.Message)
		if err != nil {
			log.Warn().Err(err).Str("event_id", le.ID).Msg("skipping log event")
			continue
		}
		r.handle(ctx, ev, le.Message)

		ip := ev.SrcHost.String()
		if ip != "" && !seen[ip] {
			seen[ip] = true
			res.IPsProcessed = append(res.IPsProcessed, ip)
		}
	}
	return res, nil
}

// handle blocks, closes and alerts for a single attack. Failures are
// logged and reported in the alert, never returned.
func (r *responder) handle(ctx context.Context, ev honeypot.Event, raw string) {
	ip, port := ev.SrcHost.String(), ev.DstPort.String()
	l := log.With().Str("ip", ip).Str("port", port).Logger()
	l.Info().Msg("processing attack")

	var actions alert.Actions
	if r.s.IPSetID == "" {
		l.Warn().Msg("no IP set id configured, not blocking")
	} else if ok, err := r.blocker.Block(ctx, ip); err != nil {
		l.Error().Err(err).Msg("updating WAF IP set")
	} else {
		actions.WAFBlocked = ok
	}

	if p, err := strconv.ParseInt(port, 10, 32); err == nil && p > 0 && r.s.SecurityGroupID != "" {
		ok, err := r.closer.Close(ctx, r.s.SecurityGroupID, int32(p))
		if err != nil {
			l.Error().Err(err).Msg("closing port")
		}
		actions.PortClosed = ok
	}

	id, err := r.alerts.Publish(ctx, alert.New(ip, []byte(raw), actions))
	if err != nil {
		l.Error().Err(err).Msg("publishing alert")
		return
	}
	l.Info().Str("message_id", id).Bool("waf_blocked", actions.WAFBlocked).Bool("port_closed", actions.PortClosed).Msg("alert published")
}
