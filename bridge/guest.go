package bridge

// guestNotifier delivers multiplexer notifications to the guest exports.
// Calls after the guest died are no-ops.
type guestNotifier struct {
	b *Bridge
}

func (g guestNotifier) ConnectionOpenSingleStream(conn, initialWritable uint32, writeClosable bool) {
	g.b.call(exportConnectionOpenSingleStream, uint64(conn), uint64(initialWritable), boolU32(writeClosable))
}

func (g guestNotifier) ConnectionOpenMultiStream(conn uint32, handshake []byte) {
	g.b.callWithBuffers(map[uint32][]byte{slotPrimary: handshake},
		exportConnectionOpenMultiStream, uint64(conn), uint64(slotPrimary))
}

func (g guestNotifier) ConnectionReset(conn uint32, reason string) {
	g.b.callWithBuffers(map[uint32][]byte{slotPrimary: []byte(reason)},
		exportConnectionReset, uint64(conn), uint64(slotPrimary))
}

func (g guestNotifier) StreamOpened(conn, stream uint32, outbound bool, initialWritable uint32) {
	g.b.call(exportConnectionStreamOpened, uint64(conn), uint64(stream), boolU32(outbound), uint64(initialWritable))
}

func (g guestNotifier) StreamMessage(conn, stream uint32, data []byte) {
	g.b.callWithBuffers(map[uint32][]byte{slotPrimary: data},
		exportStreamMessage, uint64(conn), uint64(stream), uint64(slotPrimary))
}

func (g guestNotifier) StreamWritableBytes(conn, stream, n uint32) {
	g.b.call(exportStreamWritableBytes, uint64(conn), uint64(stream), uint64(n))
}

func (g guestNotifier) StreamReset(conn, stream uint32) {
	g.b.call(exportStreamReset, uint64(conn), uint64(stream))
}
