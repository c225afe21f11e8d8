// Package alert publishes attack notifications to SNS.
package alert

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/darktracer/darktracer/internal/faults"
)

const Subject = "Security Alert - Attack Detected"

type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Actions struct {
	WAFBlocked bool `json:"waf_blocked"`
	PortClosed bool `json:"port_closed"`
}

// Alert is the SNS message body. AttackDetails is the raw log line and
// PortAttacked its dst_port value, so numbers stay numbers.
type Alert struct {
	AlertID       string          `json:"alert_id"`
	Timestamp     string          `json:"timestamp"`
	IPAddress     string          `json:"ip_address"`
	PortAttacked  json.RawMessage `json:"port_attacked"`
	AttackDetails json.RawMessage `json:"attack_details"`
	ActionsTaken  Actions         `json:"actions_taken"`
}

// New fills in a fresh id and the current UTC time. The attacked port is
// taken from the dst_port field of details; it is null when absent.
func New(ip string, details []byte, actions Actions) Alert {
	return Alert{
		AlertID:       uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		IPAddress:     ip,
		PortAttacked:  dstPort(details),
		AttackDetails: json.RawMessage(details),
		ActionsTaken:  actions,
	}
}

type Publisher struct {
	Client   API
	TopicARN string
}

// Publish sends a as indented JSON and returns the SNS message id.
func (p *Publisher) Publish(ctx context.Context, a Alert) (string, error) {
	if p.TopicARN == "" {
		return "", faults.Invalid("SNS_TOPIC_ARN is not set")
	}
	body, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", faults.Invalid("encode alert: %v", err)
	}
	out, err := p.Client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.TopicARN),
		Subject:  aws.String(Subject),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return "", faults.Upstream("sns publish", err)
	}
	return aws.ToString(out.MessageId), nil
}

func dstPort(details []byte) json.RawMessage {
	var ev struct {
		DstPort json.RawMessage `json:"dst_port"`
	}
	if err := json.Unmarshal(details, &ev); err != nil || len(ev.DstPort) == 0 {
		return json.RawMessage("null")
	}
	return ev.DstPort
}
