package relay

import (
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// LegacyVersion is the first protocol version whose replicas ack with their
// applied vclock. Older peers do not, and the relay reports its own replay
// position instead.
var LegacyVersion = xrow.VersionID(1, 7, 4)

// ReportPolicy picks the vclock a relay reports to the coordinator from the
// replica's last ack and the relay's WAL replay position.
type ReportPolicy interface {
	Report(ack, replayed vclock.VClock) vclock.VClock
}

// ReportPolicyFunc adapts a function to ReportPolicy.
type ReportPolicyFunc func(ack, replayed vclock.VClock) vclock.VClock

func (f ReportPolicyFunc) Report(ack, replayed vclock.VClock) vclock.VClock { return f(ack, replayed) }

// AckReportPolicy reports the replica's acknowledged vclock.
type AckReportPolicy struct{}

func (AckReportPolicy) Report(ack, _ vclock.VClock) vclock.VClock { return ack }

// LegacyReportPolicy reports the relay's own replay position.
type LegacyReportPolicy struct{}

func (LegacyReportPolicy) Report(_, replayed vclock.VClock) vclock.VClock { return replayed }

// ReportPolicyFor returns the policy for a peer protocol version.
func ReportPolicyFor(version uint32) ReportPolicy {
	if version < LegacyVersion {
		return LegacyReportPolicy{}
	}
	return AckReportPolicy{}
}
