package media

import (
	"strings"
	"testing"
)

// Typical SDP offer from a SIP phone with audio codecs.
const testSDPOffer = `v=0
o=alice 2890844526 2890844526 IN IP4 192.168.1.100
s=Phone Call
c=IN IP4 192.168.1.100
t=0 0
m=audio 49170 RTP/AVP 0 8 111 101
a=rtpmap:0 PCMU/8000
a=rtpmap:8 PCMA/8000
a=rtpmap:111 opus/48000/2
a=fmtp:111 minptime=10;useinbandfec=1
a=rtpmap:101 telephone-event/8000
a=fmtp:101 0-16
a=sendrecv
`

func TestParseSDP(t *testing.T) {
	sd, err := ParseSDP([]byte(testSDPOffer))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	if sd.Version != 0 {
		t.Errorf("version = %d, want 0", sd.Version)
	}

	if sd.Origin.Username != "alice" {
		t.Errorf("origin username = %q, want %q", sd.Origin.Username, "alice")
	}
	if sd.Origin.Address != "192.168.1.100" {
		t.Errorf("origin address = %q, want %q", sd.Origin.Address, "192.168.1.100")
	}

	if sd.SessionName != "Phone Call" {
		t.Errorf("session name = %q, want %q", sd.SessionName, "Phone Call")
	}

	if sd.Connection == nil {
		t.Fatal("session-level connection is nil")
	}
	if sd.Connection.Address != "192.168.1.100" {
		t.Errorf("connection address = %q, want %q", sd.Connection.Address, "192.168.1.100")
	}
	if sd.Connection.AddrType != "IP4" {
		t.Errorf("connection addr type = %q, want %q", sd.Connection.AddrType, "IP4")
	}

	if len(sd.Media) != 1 {
		t.Fatalf("media count = %d, want 1", len(sd.Media))
	}

	m := sd.Media[0]
	if m.Type != "audio" {
		t.Errorf("media type = %q, want %q", m.Type, "audio")
	}
	if m.Port != 49170 {
		t.Errorf("media port = %d, want 49170", m.Port)
	}
	if m.Proto != "RTP/AVP" {
		t.Errorf("media proto = %q, want %q", m.Proto, "RTP/AVP")
	}

	// Check payload types
	wantFormats := []int{0, 8, 111, 101}
	if len(m.Formats) != len(wantFormats) {
		t.Fatalf("format count = %d, want %d", len(m.Formats), len(wantFormats))
	}
	for i, f := range wantFormats {
		if m.Formats[i] != f {
			t.Errorf("format[%d] = %d, want %d", i, m.Formats[i], f)
		}
	}

	// Check codecs parsed from rtpmap
	if len(m.Codecs) != 4 {
		t.Fatalf("codec count = %d, want 4", len(m.Codecs))
	}
	if !m.HasCodec("PCMU") {
		t.Error("HasCodec(PCMU) should be true")
	}
	if !m.HasCodec("PCMA") {
		t.Error("HasCodec(PCMA) should be true")
	}
	if !m.HasCodec("opus") {
		t.Error("HasCodec(opus) should be true")
	}
	if m.HasCodec("G729") {
		t.Error("HasCodec(G729) should be false")
	}

	var opus *Codec
	for i := range m.Codecs {
		if m.Codecs[i].Name == "opus" {
			opus = &m.Codecs[i]
		}
	}
	if opus == nil {
		t.Fatal("opus codec not found")
	}
	if opus.ClockRate != 48000 || opus.Channels != 2 {
		t.Errorf("opus = %+v", opus)
	}
}

func TestParseSDP_CRLF(t *testing.T) {
	// SDP per RFC should use \r\n
	sdp := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 5004 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"
	sd, err := ParseSDP([]byte(sdp))
	if err != nil {
		t.Fatalf("ParseSDP with CRLF failed: %v", err)
	}
	if len(sd.Media) != 1 {
		t.Fatalf("media count = %d, want 1", len(sd.Media))
	}
	if sd.Media[0].Port != 5004 {
		t.Errorf("port = %d, want 5004", sd.Media[0].Port)
	}
}

func TestParseSDP_MediaLevelConnection(t *testing.T) {
	sdp := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=audio 5004 RTP/AVP 0
c=IN IP4 172.16.0.5
a=rtpmap:0 PCMU/8000
`
	sd, err := ParseSDP([]byte(sdp))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	if sd.Connection.Address != "10.0.0.1" {
		t.Errorf("session connection = %q, want %q", sd.Connection.Address, "10.0.0.1")
	}

	m := sd.Media[0]
	if m.Connection == nil {
		t.Fatal("media-level connection is nil")
	}
	if m.Connection.Address != "172.16.0.5" {
		t.Errorf("media connection = %q, want %q", m.Connection.Address, "172.16.0.5")
	}
}

func TestParseSDP_MultipleMedia(t *testing.T) {
	sdp := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=audio 5004 RTP/AVP 0
a=rtpmap:0 PCMU/8000
m=video 5006 RTP/AVP 96
a=rtpmap:96 H264/90000
`
	sd, err := ParseSDP([]byte(sdp))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	if len(sd.Media) != 2 {
		t.Fatalf("media count = %d, want 2", len(sd.Media))
	}

	if sd.Media[0].Type != "audio" {
		t.Errorf("media[0].Type = %q, want %q", sd.Media[0].Type, "audio")
	}
	if sd.Media[1].Type != "video" {
		t.Errorf("media[1].Type = %q, want %q", sd.Media[1].Type, "video")
	}
}

func TestParseSDP_FmtpIgnored(t *testing.T) {
	// fmtp lines don't affect codec negotiation and are carried in
	// Attributes only, regardless of whether they precede or follow rtpmap.
	sdp := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=audio 5004 RTP/AVP 111
a=fmtp:111 minptime=10
a=rtpmap:111 opus/48000/2
`
	sd, err := ParseSDP([]byte(sdp))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	m := sd.Media[0]
	if !m.HasCodec("opus") {
		t.Fatal("opus codec not found")
	}
	found := false
	for _, a := range m.Attributes {
		if a == "fmtp:111 minptime=10" {
			found = true
		}
	}
	if !found {
		t.Error("fmtp attribute not preserved in Attributes")
	}
}

func TestParseSDP_Empty(t *testing.T) {
	_, err := ParseSDP([]byte(""))
	if err == nil {
		t.Error("expected error for empty SDP")
	}
}

func TestParseSDP_PortRange(t *testing.T) {
	sdp := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=audio 5004/2 RTP/AVP 0
a=rtpmap:0 PCMU/8000
`
	sd, err := ParseSDP([]byte(sdp))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}
	if sd.Media[0].Port != 5004 {
		t.Errorf("port = %d, want 5004", sd.Media[0].Port)
	}
}

func TestAudioMedia(t *testing.T) {
	sd, err := ParseSDP([]byte(testSDPOffer))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	audio := sd.AudioMedia()
	if audio == nil {
		t.Fatal("AudioMedia returned nil")
	}
	if audio.Type != "audio" {
		t.Errorf("AudioMedia type = %q, want %q", audio.Type, "audio")
	}
}

func TestHasCodec(t *testing.T) {
	sd, err := ParseSDP([]byte(testSDPOffer))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	m := sd.AudioMedia()

	// Case-insensitive lookup
	if !m.HasCodec("pcmu") {
		t.Error("HasCodec(pcmu) should be true")
	}
	if !m.HasCodec("PCMU") {
		t.Error("HasCodec(PCMU) should be true")
	}
	if m.HasCodec("nonexistent") {
		t.Error("HasCodec(nonexistent) should be false")
	}
}

func TestMarshalSDP(t *testing.T) {
	sd, err := ParseSDP([]byte(testSDPOffer))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}

	out := sd.Marshal()

	// Re-parse the marshaled output to verify round-trip
	sd2, err := ParseSDP(out)
	if err != nil {
		t.Fatalf("ParseSDP(marshaled) failed: %v", err)
	}

	if sd2.Version != sd.Version {
		t.Errorf("version mismatch: %d vs %d", sd2.Version, sd.Version)
	}
	if sd2.Origin.Username != sd.Origin.Username {
		t.Errorf("origin username mismatch: %q vs %q", sd2.Origin.Username, sd.Origin.Username)
	}
	if sd2.Connection.Address != sd.Connection.Address {
		t.Errorf("connection address mismatch: %q vs %q", sd2.Connection.Address, sd.Connection.Address)
	}
	if len(sd2.Media) != len(sd.Media) {
		t.Fatalf("media count mismatch: %d vs %d", len(sd2.Media), len(sd.Media))
	}

	m1 := sd.Media[0]
	m2 := sd2.Media[0]
	if m2.Port != m1.Port {
		t.Errorf("media port mismatch: %d vs %d", m2.Port, m1.Port)
	}
	if len(m2.Codecs) != len(m1.Codecs) {
		t.Errorf("codec count mismatch: %d vs %d", len(m2.Codecs), len(m1.Codecs))
	}

	// Verify CRLF line endings
	if !strings.Contains(string(out), "\r\n") {
		t.Error("marshaled SDP should use CRLF line endings")
	}
}

func TestConnectionString(t *testing.T) {
	c := Connection{NetType: "IN", AddrType: "IP4", Address: "10.0.0.1"}
	if s := c.String(); s != "IN IP4 10.0.0.1" {
		t.Errorf("Connection.String() = %q, want %q", s, "IN IP4 10.0.0.1")
	}
}

func TestOriginString(t *testing.T) {
	o := Origin{
		Username:       "alice",
		SessionID:      "123",
		SessionVersion: "456",
		NetType:        "IN",
		AddrType:       "IP4",
		Address:        "10.0.0.1",
	}
	want := "alice 123 456 IN IP4 10.0.0.1"
	if s := o.String(); s != want {
		t.Errorf("Origin.String() = %q, want %q", s, want)
	}
}

func TestParseSDP_IPv6(t *testing.T) {
	sdp := `v=0
o=- 1 1 IN IP6 2001:db8::1
s=-
c=IN IP6 2001:db8::1
t=0 0
m=audio 5004 RTP/AVP 0
a=rtpmap:0 PCMU/8000
`
	sd, err := ParseSDP([]byte(sdp))
	if err != nil {
		t.Fatalf("ParseSDP failed: %v", err)
	}
	if sd.Connection.AddrType != "IP6" {
		t.Errorf("addr type = %q, want %q", sd.Connection.AddrType, "IP6")
	}
	if sd.Connection.Address != "2001:db8::1" {
		t.Errorf("address = %q, want %q", sd.Connection.Address, "2001:db8::1")
	}
}
