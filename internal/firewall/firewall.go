// Package firewall blocks attacker addresses in a WAF IP set and closes
// attacked ports in a security group.
package firewall

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	waftypes "github.com/aws/aws-sdk-go-v2/service/wafv2/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/faults"
)

type WAFAPI interface {
	GetIPSet(ctx context.Context, params *wafv2.GetIPSetInput, optFns ...func(*wafv2.Options)) (*wafv2.GetIPSetOutput, error)
	UpdateIPSet(ctx context.Context, params *wafv2.UpdateIPSetInput, optFns ...func(*wafv2.Options)) (*wafv2.UpdateIPSetOutput, error)
}

type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
}

// Blocker adds /32 entries to a WAF IP set.
type Blocker struct {
	Client WAFAPI
	Name   string
	ID     string
	Scope  waftypes.Scope
	// Attempts bounds retries on a stale lock token; 0 means 3.
	Attempts int
	Interval time.Duration
}

// Internal reports whether ip is private, loopback or link-local.
func Internal(ip netip.Addr) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// CIDR is the IPv4 IP set entry for a single host.
func CIDR(ip netip.Addr) string {
	return ip.String() + "/32"
}

// Block ensures ip is in the IP set and reports whether this call added it.
// An address that is already listed reports false. Empty, unparsable,
// internal and IPv6 addresses are refused without calling WAF; the IP set
// is IPV4 only.
func (b *Blocker) Block(ctx context.Context, raw string) (bool, error) {
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return false, faults.Invalid("not an IP address: %q", raw)
	}
	ip = ip.Unmap()
	if Internal(ip) {
		log.Info().Str("ip", raw).Msg("internal address, not blocking")
		return false, nil
	}
	if !ip.Is4() {
		return false, faults.Invalid("IPv6 address %s cannot be added to an IPV4 ip set", raw)
	}
	entry := CIDR(ip)

	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := b.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	scope := b.Scope
	if scope == "" {
		scope = waftypes.ScopeRegional
	}

	added, err := backoff.Retry(ctx, func() (bool, error) {
		got, err := b.Client.GetIPSet(ctx, &wafv2.GetIPSetInput{
			Name:  aws.String(b.Name),
			Id:    aws.String(b.ID),
			Scope: scope,
		})
		if err != nil {
			return false, backoff.Permanent(faults.Upstream("waf get ip set", err))
		}
		var addrs []string
		if got.IPSet != nil {
			addrs = got.IPSet.Addresses
		}
		if slices.Contains(addrs, entry) {
			return false, nil
		}
		_, err = b.Client.UpdateIPSet(ctx, &wafv2.UpdateIPSetInput{
			Name:      aws.String(b.Name),
			Id:        aws.String(b.ID),
			Scope:     scope,
			Addresses: append(slices.Clone(addrs), entry),
			LockToken: got.LockToken,
		})
		if err == nil {
			return true, nil
		}
		if staleLock(err) {
			log.Warn().Str("ip", raw).Msg("ip set lock token stale, re-reading")
			return false, faults.Upstream("waf update ip set", err)
		}
		return false, backoff.Permanent(faults.Upstream("waf update ip set", err))
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(attempts)),
	)
	if err != nil {
		return false, err
	}
	if added {
		log.Info().Str("ip", raw).Str("entry", entry).Msg("added to WAF blocklist")
	} else {
		log.Info().Str("ip", raw).Msg("already in WAF blocklist")
	}
	return added, nil
}

func staleLock(err error) bool {
	var lock *waftypes.WAFOptimisticLockException
	if errors.As(err, &lock) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "WAFOptimisticLockException"
}

// Closer revokes security group ingress rules.
type Closer struct {
	Client EC2API
}

// Close revokes the first tcp ingress rule opening exactly port. A group
// without such a rule already has the port closed.
func (c *Closer) Close(ctx context.Context, groupID string, port int32) (bool, error) {
	out, err := c.Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{groupID}})
	if err != nil {
		return false, faults.Upstream("ec2 describe security groups", err)
	}
	if len(out.SecurityGroups) == 0 {
		return false, faults.Invalid("security group %s not found", groupID)
	}

	var match *ec2types.IpPermission
	for _, p := range out.SecurityGroups[0].IpPermissions {
		if p.FromPort == nil || p.ToPort == nil {
			continue
		}
		if aws.ToString(p.IpProtocol) == "tcp" && *p.FromPort == port && *p.ToPort == port {
			match = &p
			break
		}
	}
	if match == nil {
		log.Info().Int32("port", port).Str("group", groupID).Msg("no matching ingress rule")
		return true, nil
	}

	if _, err := c.Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{*match},
	}); err != nil {
		return false, faults.Upstream("ec2 revoke ingress", err)
	}
	log.Info().Int32("port", port).Str("group", groupID).Msg("closed port")
	return true, nil
}
