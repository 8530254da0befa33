// Package stream implements C5, the GVSP stream receiver: frame
// reassembly, selective resend, and timeout handling. The run loop is
// shaped like the teacher's SocketCAN RX goroutine in
// cmd/can-server/backend_socketcan.go — a cancellable loop blocking on one
// socket read at a time, counting errors into internal/metrics instead of
// aborting — generalized from "one CAN frame -> hub broadcast" into
// "one GVSP packet -> frame reassembly state machine -> output FIFO".
package stream

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/go-gev/gev/internal/bufferpool"
	"github.com/go-gev/gev/internal/logging"
	"github.com/go-gev/gev/internal/metrics"
	"github.com/go-gev/gev/internal/wire"
)

// Defaults per spec.md §4.5 / §8's S5/S6 scenarios.
const (
	DefaultInitialPacketTimeout = 20 * time.Millisecond
	DefaultPacketTimeout        = 100 * time.Millisecond
	DefaultFrameRetention       = 200 * time.Millisecond
	DefaultPacketRequestRatio   = 0.2
	DefaultPollTimeout          = 50 * time.Millisecond
	DefaultNumBuffers           = 32

	lateWindow = 100 // frame-id lateness lookback (§4.5 step 1)
)

// Options configures a Receiver.
type Options struct {
	PacketSize           int
	HeaderOverhead       int // 8 (legacy) or 20 (extended); defaults to legacy
	Extended             bool
	InitialPacketTimeout time.Duration
	PacketTimeout        time.Duration
	FrameRetention       time.Duration
	PacketRequestRatio   float64
	PollTimeout          time.Duration
	// TickFrequencyHz is the device's timestamp tick frequency. Zero means
	// unknown, in which case system time is used for DeviceTimestampNS.
	TickFrequencyHz uint64

	// RawLink opts into the Linux-only raw AF_PACKET transport instead of a
	// plain UDP socket. Iface names the NIC to bind; ignored on other
	// platforms, where Open silently falls back to portable UDP mode.
	RawLink bool
	Iface   string
}

func (o *Options) setDefaults() {
	if o.PacketSize == 0 {
		o.PacketSize = negotiatorFallbackSize
	}
	if o.HeaderOverhead == 0 {
		o.HeaderOverhead = wire.HeaderLegacySize
	}
	if o.InitialPacketTimeout == 0 {
		o.InitialPacketTimeout = DefaultInitialPacketTimeout
	}
	if o.PacketTimeout == 0 {
		o.PacketTimeout = DefaultPacketTimeout
	}
	if o.FrameRetention == 0 {
		o.FrameRetention = DefaultFrameRetention
	}
	if o.PacketRequestRatio == 0 {
		o.PacketRequestRatio = DefaultPacketRequestRatio
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultPollTimeout
	}
}

const negotiatorFallbackSize = 1500

// Resender is the narrow capability the receiver needs to ask the device
// to retransmit a packet range on the control channel.
type Resender interface {
	RequestResend(ctx context.Context, blockID uint64, firstPacketID, lastPacketID uint32, extended bool) error
}

// Callbacks are invoked from the receiver's own goroutine.
type Callbacks struct {
	OnStreamInit func()
	OnStreamExit func()
	OnFrameStart func(frameID uint64)
	OnBufferDone func(*bufferpool.Buffer)
}

// Receiver owns one UDP socket (or, on Linux with RawLink set, one raw
// link-layer socket) and reassembles GVSP packets into frames.
type Receiver struct {
	conn     *net.UDPConn
	rawLink  *rawLinkSocket
	pool     *bufferpool.Pool
	resend   Resender
	opts     Options
	cb       Callbacks

	frames      []*frameInFlight // oldest-first
	lastFrameID uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open binds a UDP socket on ifaceAddr to receive GVSP packets from
// deviceAddr. If opts.RawLink is set and the platform supports it, a raw
// link-layer socket is opened instead; deviceAddr and the bound UDP port
// become the BPF filter's match fields either way (the UDP socket is still
// bound so the device has a destination port to stream to and so the
// portable-mode fallback has a live socket if raw-link setup fails).
func Open(ifaceAddr, deviceAddr net.IP, pool *bufferpool.Pool, resend Resender, opts Options, cb Callbacks) (*Receiver, error) {
	opts.setDefaults()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ifaceAddr})
	if err != nil {
		return nil, fmt.Errorf("stream: listen: %w", err)
	}
	r := &Receiver{
		conn:   conn,
		pool:   pool,
		resend: resend,
		opts:   opts,
		cb:     cb,
	}
	if opts.RawLink {
		localPort := conn.LocalAddr().(*net.UDPAddr).Port
		rl, err := openRawLink(opts.Iface, deviceAddr, ifaceAddr, localPort)
		if err != nil {
			logging.L().Info("stream_rawlink_unavailable", "error", err)
		} else {
			r.rawLink = rl
		}
	}
	return r, nil
}

// LocalAddr returns the bound UDP socket's address, for the caller to write
// into the device's stream-channel destination registers. This is valid
// even in raw-link mode, since the UDP socket stays bound to reserve the
// destination port the device streams to.
func (r *Receiver) LocalAddr() *net.UDPAddr { return r.conn.LocalAddr().(*net.UDPAddr) }

// Start launches the receive loop on its own goroutine.
func (r *Receiver) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop cancels the receive loop and waits for it to finish draining
// in-flight frames as Aborted.
func (r *Receiver) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Receiver) run(ctx context.Context) {
	defer r.wg.Done()
	if r.cb.OnStreamInit != nil {
		r.cb.OnStreamInit()
	}
	defer func() {
		r.abortAll()
		if r.cb.OnStreamExit != nil {
			r.cb.OnStreamExit()
		}
	}()

	if r.rawLink != nil {
		r.runRawLink(ctx)
		return
	}
	r.runPortable(ctx)
}

func (r *Receiver) runPortable(ctx context.Context) {
	buf := make([]byte, wire.MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(r.opts.PollTimeout))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				r.sweep()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logging.L().Warn("stream_recv_error", "error", err)
			r.sweep()
			continue
		}
		metrics.IncPacketReceived()
		r.handlePacket(ctx, append([]byte(nil), buf[:n]...))
		r.sweep()
	}
}

// runRawLink mirrors runPortable but pulls datagrams from the mmap'd
// AF_PACKET ring instead of a UDP socket; ReadFrame's internal poll
// provides the same idle-timeout-then-sweep cadence.
func (r *Receiver) runRawLink(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		payload, err := r.rawLink.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.L().Warn("stream_rawlink_error", "error", err)
			r.sweep()
			continue
		}
		metrics.IncPacketReceived()
		r.handlePacket(ctx, payload)
		r.sweep()
	}
}

func (r *Receiver) abortAll() {
	for _, f := range r.frames {
		r.closeFrame(f, bufferpool.StatusAborted)
	}
	r.frames = nil
}

// handlePacket implements §4.5 steps 1-5 for one received datagram.
func (r *Receiver) handlePacket(ctx context.Context, raw []byte) {
	hdr, err := wire.DecodeGVSPHeader(raw)
	if err != nil {
		return // malformed; dropped silently, not counted as a frame event
	}
	if hdr.BlockID == 0 {
		return // invariant 10: block id 0 is never a valid new frame
	}

	f := r.findFrame(hdr.BlockID)
	if f == nil {
		delta := int64(hdr.BlockID) - int64(r.lastFrameID)
		if delta <= 0 && delta > -lateWindow {
			metrics.IncPacketLate()
			return
		}
		f = r.newFrame(hdr.BlockID, hdr.Extended)
		if f == nil {
			return // underrun; packet dropped, no buffer available
		}
		if delta > 1 {
			missed := delta - 1
			for i := int64(0); i < missed; i++ {
				metrics.IncFrameMissed()
			}
		}
		r.lastFrameID = hdr.BlockID
		r.frames = append(r.frames, f)
		if r.cb.OnFrameStart != nil {
			r.cb.OnFrameStart(hdr.BlockID)
		}
	}
	f.lastPacketAt = time.Now()

	if hdr.IsError() {
		switch hdr.ErrorCode() {
		case wire.ErrPacketRemovedFromMemory, wire.ErrAndPreviousRemovedFromMemory, wire.ErrPacketUnavailable:
			f.resendDisabled = true
		}
		return
	}

	body := raw[hdr.HeaderSize:]
	switch hdr.ContentType {
	case wire.ContentTypeLeader:
		r.handleLeader(f, hdr, body)
	case wire.ContentTypePayload, wire.ContentTypeAllIn:
		r.handlePayload(f, hdr, body)
	case wire.ContentTypeMultipart:
		r.handleMultipart(f, hdr, body)
	case wire.ContentTypeTrailer:
		r.handleTrailer(f, hdr)
	}

	f.advanceLastValidContiguous()
	r.scanForMissing(ctx, f)
}

func (r *Receiver) findFrame(blockID uint64) *frameInFlight {
	for _, f := range r.frames {
		if f.frameID == blockID {
			return f
		}
	}
	return nil
}

// newFrame claims a buffer for a new block id, or returns nil on underrun.
// It does not set the expected packet count: handleLeader sets it from the
// leader, and handlePayload/handleMultipart derive it from the allocated
// size when a data packet arrives before the leader.
func (r *Receiver) newFrame(blockID uint64, extended bool) *frameInFlight {
	buf := r.pool.PopInputNonBlocking()
	if buf == nil {
		metrics.IncBufferUnderrun()
		return nil
	}
	buf.Reset()
	buf.FrameID = blockID
	f := newFrameInFlight(blockID, buf, extended)
	return f
}

func (r *Receiver) handleLeader(f *frameInFlight, hdr wire.GVSPHeader, body []byte) {
	if hdr.PacketID != 0 {
		return // leader must have K=0
	}
	if !f.markReceived(0) {
		metrics.IncPacketDuplicate()
		return
	}
	f.leaderReceived = true

	lb, err := wire.DecodeLeaderBody(body)
	if err != nil {
		r.markUnsupported(f)
		return
	}

	f.buffer.PayloadType = uint32(lb.PayloadType)
	f.buffer.DeviceTimestampNS = r.convertTimestamp(lb.DeviceTimestamp)
	f.buffer.SystemTimestampNS = time.Now().UnixNano()

	overhead := r.opts.HeaderOverhead
	packetPayload := r.opts.PacketSize - overhead
	if packetPayload <= 0 {
		r.markUnsupported(f)
		return
	}

	switch lb.PayloadType {
	case wire.PayloadTypeImage, wire.PayloadTypeRaw, wire.PayloadTypeChunkedImage, wire.PayloadTypeChunkData:
		count := uint32(ceilDiv(f.buffer.Size, packetPayload)) + 2
		f.setExpected(count)
		f.buffer.Parts = []bufferpool.BufferPart{{
			PixelFormat: lb.Image.PixelFormat,
			Width:       lb.Image.Width,
			Height:      lb.Image.Height,
			XOffset:     lb.Image.XOffset,
			YOffset:     lb.Image.YOffset,
			XPadding:    lb.Image.XPadding,
			YPadding:    lb.Image.YPadding,
			Size:        uint64(f.buffer.Size),
		}}
	case wire.PayloadTypeMultipart:
		var totalBlocks int
		offset := 0
		parts := make([]bufferpool.BufferPart, 0, len(lb.MultipartParts))
		for _, p := range lb.MultipartParts {
			parts = append(parts, bufferpool.BufferPart{
				DataOffset:  offset,
				ComponentID: p.ComponentID,
				PartType:    p.DataType,
				PixelFormat: p.PixelFormat,
				Width:       p.Width,
				Height:      p.Height,
				XOffset:     p.XOffset,
				YOffset:     p.YOffset,
				Size:        p.Size,
			})
			totalBlocks += ceilDiv(int(p.Size), packetPayload)
			offset += int(p.Size)
		}
		f.buffer.Parts = parts
		count := uint32(totalBlocks) + 2 + 255
		f.setExpected(count)
	default:
		r.markUnsupported(f)
	}
}

// setExpectedFromAllocatedSize computes the expected packet count for a
// frame whose leader has not (yet) arrived, from the buffer's allocated
// size alone: ceil(allocated_size / block_size) + 2 (leader + trailer),
// the same formula the leader-present image/chunked case uses.
func (r *Receiver) setExpectedFromAllocatedSize(f *frameInFlight) {
	overhead := r.opts.HeaderOverhead
	packetPayload := r.opts.PacketSize - overhead
	if packetPayload <= 0 {
		return
	}
	count := uint32(ceilDiv(f.buffer.Size, packetPayload)) + 2
	f.setExpected(count)
}

// setExpectedMultipartFromAllocatedSize is setExpectedFromAllocatedSize's
// multipart counterpart: without a leader there is no per-part geometry,
// so the whole allocated size is divided by the multipart block size and
// the 255-part worst case is added, matching the original's MULTIPART
// (no-leader) branch.
func (r *Receiver) setExpectedMultipartFromAllocatedSize(f *frameInFlight) {
	overhead := r.opts.HeaderOverhead
	packetPayload := r.opts.PacketSize - overhead
	if packetPayload <= 0 {
		return
	}
	count := uint32(ceilDiv(f.buffer.Size, packetPayload)) + 2 + 255
	f.setExpected(count)
}

func (r *Receiver) markUnsupported(f *frameInFlight) {
	f.buffer.Status = bufferpool.StatusPayloadNotSupported
	r.closeFrame(f, bufferpool.StatusPayloadNotSupported)
	for i, g := range r.frames {
		if g == f {
			r.frames = append(r.frames[:i], r.frames[i+1:]...)
			break
		}
	}
}

func (r *Receiver) handlePayload(f *frameInFlight, hdr wire.GVSPHeader, body []byte) {
	k := hdr.PacketID
	if k == 0 {
		return
	}
	if f.expectedPackets == 0 {
		// Leader hasn't arrived (lost, or simply still in flight): derive
		// the expected count from the buffer's allocated size alone, the
		// same formula the original uses for a PAYLOAD-triggered frame.
		r.setExpectedFromAllocatedSize(f)
	}
	if !f.markReceived(k) {
		metrics.IncPacketDuplicate()
		return
	}
	overhead := r.opts.HeaderOverhead
	packetPayload := r.opts.PacketSize - overhead
	if packetPayload <= 0 {
		return
	}
	offset := int(k-1) * packetPayload
	n := len(body)
	if offset >= f.buffer.Size {
		return // entirely beyond the allocated region; size mismatch, dropped
	}
	if offset+n > f.buffer.Size {
		n = f.buffer.Size - offset
	}
	copy(f.buffer.Data[offset:offset+n], body[:n])
	f.receivedSize += n
}

func (r *Receiver) handleMultipart(f *frameInFlight, hdr wire.GVSPHeader, body []byte) {
	k := hdr.PacketID
	if k == 0 {
		return
	}
	if f.expectedPackets == 0 {
		// Leader hasn't arrived: same "no leader yet" fallback as
		// handlePayload, but with the multipart block-count formula
		// (allocated size over the multipart block size, plus the
		// leader/trailer pair and the 255-part worst case).
		r.setExpectedMultipartFromAllocatedSize(f)
	}
	if !f.markReceived(k) {
		metrics.IncPacketDuplicate()
		return
	}
	mh, data, err := wire.DecodeMultipartBlockHeader(body)
	if err != nil {
		return
	}
	partIdx := int(mh.PartID)
	if partIdx >= len(f.buffer.Parts) {
		return
	}
	part := f.buffer.Parts[partIdx]
	overhead := r.opts.HeaderOverhead
	packetPayload := r.opts.PacketSize - overhead
	if packetPayload <= 0 {
		return
	}
	intraOffset := int(k-1) * packetPayload
	absOffset := part.DataOffset + intraOffset
	n := len(data)
	if absOffset >= f.buffer.Size {
		return
	}
	if absOffset+n > f.buffer.Size {
		n = f.buffer.Size - absOffset
	}
	copy(f.buffer.Data[absOffset:absOffset+n], data[:n])
	f.receivedSize += n
}

func (r *Receiver) handleTrailer(f *frameInFlight, hdr wire.GVSPHeader) {
	k := hdr.PacketID
	if !f.markReceived(k) {
		metrics.IncPacketDuplicate()
		return
	}
	if f.expectedPackets == 0 || k < f.expectedPackets-1 {
		f.setExpected(k + 1) // invariant 11: early trailer truncates expectation
	}
}

// scanForMissing implements §4.5 step 5: batch contiguous eligible packets
// into resend requests, capped by the per-frame request ratio.
func (r *Receiver) scanForMissing(ctx context.Context, f *frameInFlight) {
	if f.resendDisabled || f.resendRatioReached || f.expectedPackets == 0 {
		return
	}
	now := time.Now()
	start := int(f.lastValidContiguous) + 1
	end := int(f.expectedPackets) - 1
	if end >= len(f.packets) {
		end = len(f.packets) - 1
	}

	requestCap := int(math.Ceil(r.opts.PacketRequestRatio * float64(f.expectedPackets)))

	runStart := -1
	flushRun := func(lastIdx int) {
		if runStart < 0 {
			return
		}
		if f.resendRequests >= requestCap {
			f.resendRatioReached = true
			runStart = -1
			return
		}
		first := uint32(runStart)
		last := uint32(lastIdx)
		for i := runStart; i <= lastIdx; i++ {
			f.packets[i].deadline = now.Add(r.opts.PacketTimeout)
			f.packets[i].resendRequested = true
		}
		f.resendRequests++
		metrics.IncResendRequest()
		if r.resend != nil {
			_ = r.resend.RequestResend(ctx, f.frameID, first, last, f.extendedIDs)
		}
		runStart = -1
	}

	for i := start; i <= end; i++ {
		if i < 0 || i >= len(f.packets) {
			continue
		}
		p := &f.packets[i]
		if p.received {
			flushRun(i - 1)
			continue
		}
		if p.resendRequested {
			flushRun(i - 1)
			continue
		}
		if p.deadline.IsZero() {
			p.deadline = now.Add(r.opts.InitialPacketTimeout)
			flushRun(i - 1)
			continue
		}
		if now.Before(p.deadline) {
			flushRun(i - 1)
			continue
		}
		if runStart < 0 {
			runStart = i
		}
		if f.resendRatioReached {
			runStart = -1
			break
		}
	}
	flushRun(end)
}

// sweep implements §4.5 step 6: close frames oldest-first that meet any
// terminal condition, after every packet and on idle poll timeouts.
func (r *Receiver) sweep() {
	now := time.Now()
	remaining := r.frames[:0]
	for idx, f := range r.frames {
		switch {
		case f.complete():
			r.closeFrame(f, bufferpool.StatusSuccess)
			continue
		case f.resendDisabled && idx < len(r.frames)-1:
			r.closeFrame(f, bufferpool.StatusMissingPackets)
			continue
		case now.Sub(f.lastPacketAt) >= r.opts.FrameRetention && !(idx == len(r.frames)-1 && f.onlyLeaderSoFar()):
			r.closeFrame(f, bufferpool.StatusTimeout)
			continue
		}
		remaining = append(remaining, f)
	}
	r.frames = remaining
}

func (r *Receiver) closeFrame(f *frameInFlight, status bufferpool.BufferStatus) {
	f.buffer.Status = status
	f.buffer.ReceivedSize = f.receivedSize
	metrics.IncFrame(status.String())
	r.pool.PushOutput(f.buffer)
	if r.cb.OnBufferDone != nil {
		r.cb.OnBufferDone(f.buffer)
	}
}

func (r *Receiver) convertTimestamp(ticks uint64) int64 {
	if r.opts.TickFrequencyHz == 0 {
		return time.Now().UnixNano()
	}
	return int64(float64(ticks) / float64(r.opts.TickFrequencyHz) * 1e9)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Close releases the underlying socket(s). Call after Stop.
func (r *Receiver) Close() error {
	if r.rawLink != nil {
		_ = r.rawLink.Close()
	}
	return r.conn.Close()
}
