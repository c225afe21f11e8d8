package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	waftypes "github.com/aws/aws-sdk-go-v2/service/wafv2/types"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

type mockWAF struct {
	addrs   []string
	updates int
}

func (m *mockWAF) GetIPSet(ctx context.Context, in *wafv2.GetIPSetInput, _ ...func(*wafv2.Options)) (*wafv2.GetIPSetOutput, error) {
	return &wafv2.GetIPSetOutput{IPSet: &waftypes.IPSet{Addresses: append([]string(nil), m.addrs...)}, LockToken: aws.String("t")}, nil
}

func (m *mockWAF) UpdateIPSet(ctx context.Context, in *wafv2.UpdateIPSetInput, _ ...func(*wafv2.Options)) (*wafv2.UpdateIPSetOutput, error) {
	m.updates++
	m.addrs = in.Addresses
	return &wafv2.UpdateIPSetOutput{}, nil
}

type mockEC2 struct {
	revoked int
	err     error
}

func (m *mockEC2) DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{{IpPermissions: []ec2types.IpPermission{
		{IpProtocol: aws.String("tcp"), FromPort: aws.Int32(21), ToPort: aws.Int32(21)},
	}}}}, nil
}

func (m *mockEC2) RevokeSecurityGroupIngress(ctx context.Context, in *ec2.RevokeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	m.revoked++
	return &ec2.RevokeSecurityGroupIngressOutput{}, nil
}

type mockSNS struct{ messages []string }

func (m *mockSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.messages = append(m.messages, aws.ToString(in.Message))
	return &sns.PublishOutput{MessageId: aws.String("m")}, nil
}

func payload(t *testing.T, messages ...string) events.CloudwatchLogsEvent {
	t.Helper()
	data := events.CloudwatchLogsData{LogGroup: "/darktracer/honeypot/opencanary"}
	for i, m := range messages {
		data.LogEvents = append(data.LogEvents, events.CloudwatchLogsLogEvent{ID: string(rune('a' + i)), Message: m})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(raw)
	gz.Close()
	return events.CloudwatchLogsEvent{AWSLogs: events.CloudwatchLogsRawData{Data: base64.StdEncoding.EncodeToString(buf.Bytes())}}
}

func setup(t *testing.T, w *mockWAF, e *mockEC2, s *mockSNS) {
	t.Helper()
	old := newClients
	newClients = func(ctx context.Context) (*clients, error) { return &clients{waf: w, ec2: e, sns: s}, nil }
	t.Cleanup(func() { newClients = old })
	t.Setenv("IP_SET_ID", "set-1")
	t.Setenv("SECURITY_GROUP_ID", "sg-1")
	t.Setenv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:123456789012:alerts")
}

const attack = `{"src_host":"203.0.113.9","dst_port":21,"logtype":2000,"logdata":{"USERNAME":"admin"}}`

func TestHandler_BlocksClosesAndAlerts(t *testing.T) {
	w, e, s := &mockWAF{}, &mockEC2{}, &mockSNS{}
	setup(t, w, e, s)

	resp, err := handler(context.Background(), payload(t, attack, "garbage", attack))
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("unexpected response %+v, %v", resp, err)
	}

	var body result
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.Message != "Processing complete" || len(body.IPsProcessed) != 1 || body.IPsProcessed[0] != "203.0.113.9" {
		t.Fatalf("unexpected body %+v", body)
	}
	if len(w.addrs) != 1 || w.addrs[0] != "203.0.113.9/32" || w.updates != 1 {
		t.Fatalf("ip set %v after %d updates", w.addrs, w.updates)
	}
	if e.revoked != 2 {
		t.Fatalf("expected a revoke per event, got %d", e.revoked)
	}
	if len(s.messages) != 2 {
		t.Fatalf("expected one alert per parsed event, got %d", len(s.messages))
	}

	var msg map[string]any
	if err := json.Unmarshal([]byte(s.messages[0]), &msg); err != nil {
		t.Fatal(err)
	}
	actions := msg["actions_taken"].(map[string]any)
	if actions["waf_blocked"] != true || actions["port_closed"] != true {
		t.Fatalf("unexpected actions %v", actions)
	}
}

func TestHandler_AlreadyListedIsNotReportedAsBlocked(t *testing.T) {
	w, e, s := &mockWAF{addrs: []string{"203.0.113.9/32"}}, &mockEC2{}, &mockSNS{}
	setup(t, w, e, s)

	resp, _ := handler(context.Background(), payload(t, attack))
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if w.updates != 0 {
		t.Fatalf("ip set updated %d times", w.updates)
	}
	if len(s.messages) != 1 || !strings.Contains(s.messages[0], `"waf_blocked": false`) {
		t.Fatalf("unexpected alerts %v", s.messages)
	}
	if !strings.Contains(s.messages[0], `"port_attacked": 21,`) {
		t.Fatalf("port not reported as a number: %s", s.messages[0])
	}
}

func TestHandler_FailuresAreReportedNotFatal(t *testing.T) {
	w, e, s := &mockWAF{}, &mockEC2{err: errors.New("UnauthorizedOperation")}, &mockSNS{}
	setup(t, w, e, s)

	resp, _ := handler(context.Background(), payload(t, attack))
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(s.messages) != 1 || !strings.Contains(s.messages[0], `"port_closed": false`) {
		t.Fatalf("unexpected alerts %v", s.messages)
	}
}

func TestHandler_InternalSourceNotBlocked(t *testing.T) {
	w, e, s := &mockWAF{}, &mockEC2{}, &mockSNS{}
	setup(t, w, e, s)
	t.Setenv("SECURITY_GROUP_ID", "")

	handler(context.Background(), payload(t, `{"src_host":"10.0.0.8","dst_port":22}`))
	if w.updates != 0 || e.revoked != 0 {
		t.Fatalf("internal source acted on: updates=%d revoked=%d", w.updates, e.revoked)
	}
	if len(s.messages) != 1 || !strings.Contains(s.messages[0], `"waf_blocked": false`) {
		t.Fatalf("unexpected alerts %v", s.messages)
	}
}

func TestHandler_BadPayload(t *testing.T) {
	setup(t, &mockWAF{}, &mockEC2{}, &mockSNS{})
	resp, _ := handler(context.Background(), events.CloudwatchLogsEvent{AWSLogs: events.CloudwatchLogsRawData{Data: "%%%"}})
	if resp.StatusCode != 500 {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
