package gretun

import (
	"fmt"

	syslog "github.com/RackSec/srslog"
)

// AuditSink writes security-relevant events (auth failures, ACL denials) to
// syslog, adapted from the teacher's Syslog resolver wrapper (syslog.go):
// same srslog.Dial/Write plumbing, narrowed from "forward every DNS query"
// to "record every denial", and used directly by Directory/ACL (ND7)
// instead of sitting in the resolve path.
type AuditSink struct {
	writer *syslog.Writer
	tag    string
}

// AuditSinkOptions mirrors the subset of the teacher's SyslogOptions this
// domain needs: network/address select the syslog transport, Priority and
// Tag are passed straight to srslog.Dial.
type AuditSinkOptions struct {
	Network  string // "udp", "tcp", "unix"; empty dials the local syslog daemon
	Address  string
	Priority int
	Tag      string
}

// NewAuditSink dials syslog and returns a sink. A dial failure is logged
// and the sink is returned anyway with a nil writer; Write calls on a nil
// writer are no-ops so a misconfigured audit sink never blocks a proxy
// connection.
func NewAuditSink(opt AuditSinkOptions) *AuditSink {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		Log.WithError(err).Error("failed to initialize audit sink")
	}
	return &AuditSink{writer: writer, tag: opt.Tag}
}

// AuthFailure records a rejected CheckAuth attempt.
func (a *AuditSink) AuthFailure(remoteIP, username string) {
	a.write(fmt.Sprintf("type=auth-failure remote=%s username=%q", remoteIP, username))
}

// ACLDenied records a Check rejection.
func (a *AuditSink) ACLDenied(userID uint64, host, localIP string) {
	a.write(fmt.Sprintf("type=acl-denied user_id=%d host=%s local_ip=%s", userID, host, localIP))
}

func (a *AuditSink) write(msg string) {
	if a == nil || a.writer == nil {
		return
	}
	if _, err := a.writer.Write([]byte(msg)); err != nil {
		Log.WithError(err).Warn("failed to send audit record")
	}
}
