package core

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// BootstrapRecord is the decoded form of a bootstrap DNS TXT record: the
// envelope version range and node ids a consumer needs to validate a
// handshake, plus the hostname and dial info to reach it.
type BootstrapRecord struct {
	EnvelopeVersions [2]uint8
	NodeIDs          NodeIDGroup
	Hostname         string
	DialInfo         []DialInfo
}

// ParseBootstrapTXT parses a single TXT record value: pipe-separated
// fields "version|envelope-versions|node-ids|hostname|dial-infos". The
// version tag and first four fields are parsed strictly; a consumer from
// a newer deployment may append further pipe-separated fields, which are
// ignored here rather than rejected.
func ParseBootstrapTXT(record string) (BootstrapRecord, error) {
	var out BootstrapRecord
	fields := strings.Split(record, "|")
	if len(fields) < 5 {
		return out, newParseError("bootstrap_txt", "bootstrap TXT record has %d fields, want at least 5", len(fields))
	}
	if fields[0] != "0" {
		return out, newParseError("bootstrap_txt", "unsupported bootstrap TXT version tag %q", fields[0])
	}

	versions := strings.Split(fields[1], ",")
	if len(versions) != 2 {
		return out, newParseError("bootstrap_txt", "envelope version field must have exactly 2 entries")
	}
	for i, v := range versions {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 255 {
			return out, newParseError("bootstrap_txt", "bad envelope version %q", v)
		}
		out.EnvelopeVersions[i] = uint8(n)
	}

	for _, idStr := range strings.Split(fields[2], ",") {
		id, err := ParseTypedKey(idStr)
		if err != nil {
			return out, newParseError("bootstrap_txt", "bad node id %q: %v", idStr, err)
		}
		out.NodeIDs = append(out.NodeIDs, id)
	}
	if len(out.NodeIDs) == 0 {
		return out, newParseError("bootstrap_txt", "bootstrap TXT record has no node ids")
	}

	out.Hostname = fields[3]
	if out.Hostname == "" {
		return out, newParseError("bootstrap_txt", "bootstrap TXT record has empty hostname")
	}

	for _, short := range strings.Split(fields[4], ",") {
		di, err := ParseShortDialInfo(short)
		if err != nil {
			return out, newParseError("bootstrap_txt", "bad dial info %q: %v", short, err)
		}
		out.DialInfo = append(out.DialInfo, di)
	}
	if len(out.DialInfo) == 0 {
		return out, newParseError("bootstrap_txt", "bootstrap TXT record has no dial info")
	}
	return out, nil
}

// FormatBootstrapTXT encodes a BootstrapRecord back into its TXT record
// form, the inverse of ParseBootstrapTXT.
func FormatBootstrapTXT(rec BootstrapRecord) string {
	versions := fmt.Sprintf("%d,%d", rec.EnvelopeVersions[0], rec.EnvelopeVersions[1])

	ids := make([]string, len(rec.NodeIDs))
	for i, id := range rec.NodeIDs {
		ids[i] = id.String()
	}

	dials := make([]string, len(rec.DialInfo))
	for i, di := range rec.DialInfo {
		dials[i] = FormatShortDialInfo(di)
	}

	return strings.Join([]string{"0", versions, strings.Join(ids, ","), rec.Hostname, strings.Join(dials, ",")}, "|")
}

// ParseShortDialInfo parses a "proto://host:port[/path]" short dial-info
// URL into a DialInfo with an unclassed network class; the caller fills
// in Class once it has independently verified reachability.
func ParseShortDialInfo(short string) (DialInfo, error) {
	var di DialInfo
	u, err := url.Parse(short)
	if err != nil {
		return di, err
	}
	switch strings.ToLower(u.Scheme) {
	case "udp":
		di.Protocol = ProtocolUDP
	case "tcp":
		di.Protocol = ProtocolTCP
	case "ws":
		di.Protocol = ProtocolWS
	case "wss":
		di.Protocol = ProtocolWSS
	default:
		return di, fmt.Errorf("core: unknown dial info scheme %q", u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return di, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return di, fmt.Errorf("core: bad dial info port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return di, fmt.Errorf("core: cannot resolve dial info host %q", host)
		}
		ip = ips[0]
	}
	di.Address = ip
	di.Port = uint16(port)
	di.Path = u.Path
	di.Class = NetworkClassUnknown
	return di, nil
}

// FormatShortDialInfo is the inverse of ParseShortDialInfo.
func FormatShortDialInfo(di DialInfo) string {
	hostport := net.JoinHostPort(di.Address.String(), strconv.Itoa(int(di.Port)))
	if di.Protocol == ProtocolWS || di.Protocol == ProtocolWSS {
		return fmt.Sprintf("%s://%s%s", di.Protocol, hostport, di.Path)
	}
	return fmt.Sprintf("%s://%s", di.Protocol, hostport)
}
