// Package transport carries datagrams between peers over UDP, framed as
// RTP with RTCP feedback. One socket serves all peers; inbound traffic is
// demultiplexed by source address. Payloads are sealed with the channel's
// AEAD context, the 33-byte datagram header as associated data, so a
// tampered or misdirected packet drops before it reaches the engine.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
)

// Config parameterizes the transport.
type Config struct {
	ListenAddr   string
	MTU          int
	RTCPInterval time.Duration
}

// DefaultConfig binds an ephemeral port with a 1200-byte payload budget.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":0",
		MTU:          1200,
		RTCPInterval: 200 * time.Millisecond,
	}
}

const rtpPayloadType = 96

// UDP is the socket owner. Peers are addressed by PeerID holding a
// host:port string; peer identity verification is the security
// collaborator's job, this layer only moves sealed bytes.
type UDP struct {
	cfg  Config
	log  *zap.SugaredLogger
	conn *net.UDPConn

	// writeMu serializes writes on the shared socket: Send arms a write
	// deadline that would otherwise trip concurrent senders.
	writeMu sync.Mutex

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool
}

// NewUDP binds the socket and starts the demux loop.
func NewUDP(cfg Config, log *zap.SugaredLogger) (*UDP, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	t := &UDP{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		channels: make(map[string]*channel),
	}
	go t.readLoop()
	return t, nil
}

// LocalAddr returns the bound address, for exchanging with peers.
func (t *UDP) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Open registers a channel to peer. The PeerID must resolve as a UDP
// address.
func (t *UDP) Open(ctx context.Context, peer domain.PeerID, aead ports.AEADContext) (ports.Channel, error) {
	addr, err := net.ResolveUDPAddr("udp", string(peer))
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.ErrChannelClosed
	}
	key := addr.String()
	if existing, ok := t.channels[key]; ok {
		return existing, nil
	}

	ch := &channel{
		t:       t,
		peer:    addr,
		aead:    aead,
		ssrc:    ssrcFor(peer),
		inbound: make(chan domain.Datagram, 256),
		done:    make(chan struct{}),
	}
	t.channels[key] = ch
	go ch.rtcpLoop(t.cfg.RTCPInterval)
	return ch, nil
}

// Close tears down the socket and every channel.
func (t *UDP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	chans := make([]*channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.channels = make(map[string]*channel)
	t.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	return t.conn.Close()
}

func (t *UDP) drop(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch.peer.String())
}

func (t *UDP) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		t.mu.RLock()
		ch := t.channels[from.String()]
		t.mu.RUnlock()
		if ch == nil {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if isRTCP(pkt) {
			ch.handleRTCP(pkt)
		} else {
			ch.handleRTP(pkt)
		}
	}
}

// isRTCP distinguishes the muxed streams by packet type, per the RFC 5761
// range.
func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 200 && b[1] <= 207
}

func ssrcFor(peer domain.PeerID) uint32 {
	var h uint32 = 2166136261
	for _, c := range []byte(peer) {
		h = (h ^ uint32(c)) * 16777619
	}
	return h
}

// channel is one peer link over the shared socket.
type channel struct {
	t    *UDP
	peer *net.UDPAddr
	aead ports.AEADContext
	ssrc uint32

	inbound chan domain.Datagram
	done    chan struct{}
	once    sync.Once

	mu sync.Mutex
	// outbound accounting for SRs and the feedback window
	rtpSeq      uint16
	sentPackets uint32
	sentOctets  uint32
	windowSent  uint64
	windowStart time.Time

	// latest receiver report folded into the next Feedback call
	lossRate float64
	rtt      time.Duration
	rttVar   time.Duration

	// inbound accounting for RRs we emit; maxSeq is the extended sequence
	// (cycle count in the high bits, per RFC 3550)
	remoteSSRC    uint32
	baseSeq       uint32
	maxSeq        uint32
	cycles        uint32
	received      uint32
	expectedPrior uint32
	receivedPrior uint32
	lastSRNTP     uint32
	lastSRAt      time.Time

	keyReq func()
}

// Send seals and ships one datagram. A full socket buffer surfaces as
// ErrWouldBlock, which the scheduler treats as congestion.
func (c *channel) Send(d domain.Datagram) error {
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	hdr, err := d.MarshalHeader()
	if err != nil {
		return err
	}
	sealed := c.aead.Seal(d.Payload, hdr)
	wire := append(hdr, sealed...)

	c.mu.Lock()
	seq := c.rtpSeq
	c.rtpSeq++
	c.mu.Unlock()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rtpPayloadType,
			SequenceNumber: seq,
			Timestamp:      uint32(time.Now().UnixNano() / 1e6),
			SSRC:           c.ssrc,
		},
		Payload: wire,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}

	c.t.writeMu.Lock()
	c.t.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	_, err = c.t.conn.WriteToUDP(raw, c.peer)
	c.t.conn.SetWriteDeadline(time.Time{})
	c.t.writeMu.Unlock()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return domain.ErrWouldBlock
		}
		return domain.ErrChannelClosed
	}

	c.mu.Lock()
	c.sentPackets++
	c.sentOctets += uint32(len(wire))
	c.windowSent += uint64(len(wire))
	if c.windowStart.IsZero() {
		c.windowStart = time.Now()
	}
	c.mu.Unlock()
	return nil
}

// Recv delivers the next opened datagram.
func (c *channel) Recv(ctx context.Context) (domain.Datagram, error) {
	select {
	case d, ok := <-c.inbound:
		if !ok {
			return domain.Datagram{}, domain.ErrChannelClosed
		}
		return d, nil
	case <-c.done:
		return domain.Datagram{}, domain.ErrChannelClosed
	case <-ctx.Done():
		return domain.Datagram{}, ctx.Err()
	}
}

// Feedback returns the congestion sample accumulated since the last call.
func (c *channel) Feedback() domain.CongestionSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	sent := c.windowSent
	c.windowSent = 0
	c.windowStart = now

	acked := uint64(float64(sent) * (1 - c.lossRate))
	return domain.CongestionSample{
		BytesSentWindow:  sent,
		BytesAckedWindow: acked,
		RTT:              c.rtt,
		RTTVar:           c.rttVar,
		LossRate:         c.lossRate,
		Timestamp:        now,
	}
}

func (c *channel) MTU() int {
	// Payload budget under the datagram header and the cipher overhead.
	return c.t.cfg.MTU - domain.DatagramHeaderSize - c.aead.Overhead()
}

// RequestKeyframe sends a picture loss indication to the peer.
func (c *channel) RequestKeyframe() {
	c.mu.Lock()
	media := c.remoteSSRC
	c.mu.Unlock()
	c.sendRTCP(&rtcp.PictureLossIndication{SenderSSRC: c.ssrc, MediaSSRC: media})
}

// OnKeyframeRequest registers the handler invoked when the peer sends a
// picture loss indication.
func (c *channel) OnKeyframeRequest(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyReq = fn
}

func (c *channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.t.drop(c)
	})
	return nil
}

func (c *channel) handleRTP(raw []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return
	}
	if len(pkt.Payload) < domain.DatagramHeaderSize {
		return
	}

	hdr := pkt.Payload[:domain.DatagramHeaderSize]
	plain, err := c.aead.Open(pkt.Payload[domain.DatagramHeaderSize:], hdr)
	if err != nil {
		// Unauthenticated datagram: drop before delivery.
		return
	}
	d, err := domain.UnmarshalDatagram(append(hdr, plain...))
	if err != nil {
		return
	}

	c.observeInbound(pkt.Header)

	select {
	case c.inbound <- d:
	default:
		// Receiver behind: oldest-drop keeps latency bounded.
		select {
		case <-c.inbound:
		default:
		}
		select {
		case c.inbound <- d:
		default:
		}
	}
}

func (c *channel) observeInbound(h rtp.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.received == 0 {
		c.remoteSSRC = h.SSRC
		c.baseSeq = uint32(h.SequenceNumber)
		c.maxSeq = uint32(h.SequenceNumber)
	} else {
		// The 16-bit RTP sequence wraps every ~65k packets; a forward step
		// that lands numerically below the high-water mark is a new cycle.
		last := uint16(c.maxSeq)
		if delta := h.SequenceNumber - last; delta != 0 && delta < 0x8000 {
			if h.SequenceNumber < last {
				c.cycles += 1 << 16
			}
			c.maxSeq = c.cycles | uint32(h.SequenceNumber)
		}
	}
	c.received++
}

func (c *channel) handleRTCP(raw []byte) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return
	}
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.ReceiverReport:
			for _, rep := range pkt.Reports {
				if rep.SSRC == c.ssrc {
					c.foldReport(rep)
				}
			}
		case *rtcp.SenderReport:
			c.mu.Lock()
			c.lastSRNTP = uint32(pkt.NTPTime >> 16)
			c.lastSRAt = time.Now()
			c.mu.Unlock()
		case *rtcp.PictureLossIndication:
			c.mu.Lock()
			fn := c.keyReq
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}

// foldReport turns one reception report into loss and RTT figures.
func (c *channel) foldReport(rep rtcp.ReceptionReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lossRate = float64(rep.FractionLost) / 256

	if rep.LastSenderReport != 0 {
		nowNTP := uint32(ntpTime(time.Now()) >> 16)
		elapsed := nowNTP - rep.LastSenderReport - rep.Delay
		rtt := time.Duration(float64(elapsed) / 65536 * float64(time.Second))
		if rtt > 0 && rtt < 10*time.Second {
			if c.rtt == 0 {
				c.rtt = rtt
			} else {
				diff := rtt - c.rtt
				if diff < 0 {
					diff = -diff
				}
				c.rttVar = (3*c.rttVar + diff) / 4
				c.rtt = (7*c.rtt + rtt) / 8
			}
		}
	}
}

// rtcpLoop ships a sender report plus a receiver report each interval.
func (c *channel) rtcpLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sendReports()
		}
	}
}

func (c *channel) sendReports() {
	c.mu.Lock()
	now := time.Now()
	sr := &rtcp.SenderReport{
		SSRC:        c.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     uint32(now.UnixNano() / 1e6),
		PacketCount: c.sentPackets,
		OctetCount:  c.sentOctets,
	}

	var pkts []rtcp.Packet
	pkts = append(pkts, sr)

	if c.received > 0 {
		expected := c.maxSeq - c.baseSeq + 1
		expInt := expected - c.expectedPrior
		recInt := c.received - c.receivedPrior
		c.expectedPrior = expected
		c.receivedPrior = c.received

		var fraction uint8
		if expInt > 0 && expInt > recInt {
			fraction = uint8(uint32(256*(expInt-recInt)) / expInt)
		}
		var lost uint32
		if expected > c.received {
			lost = expected - c.received
		}
		var lsr, dlsr uint32
		if !c.lastSRAt.IsZero() {
			lsr = c.lastSRNTP
			dlsr = uint32(now.Sub(c.lastSRAt).Seconds() * 65536)
		}
		pkts = append(pkts, &rtcp.ReceiverReport{
			SSRC: c.ssrc,
			Reports: []rtcp.ReceptionReport{{
				SSRC:               c.remoteSSRC,
				FractionLost:       fraction,
				TotalLost:          lost,
				LastSequenceNumber: c.maxSeq,
				LastSenderReport:   lsr,
				Delay:              dlsr,
			}},
		})
	}
	c.mu.Unlock()

	for _, p := range pkts {
		c.sendRTCP(p)
	}
}

func (c *channel) sendRTCP(p rtcp.Packet) {
	raw, err := p.Marshal()
	if err != nil {
		return
	}
	c.t.writeMu.Lock()
	c.t.conn.WriteToUDP(raw, c.peer)
	c.t.writeMu.Unlock()
}

// ntpTime converts to the 64-bit NTP timestamp format.
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + 2208988800
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}
