package engine

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tunnelcore/internal/packet"
)

const nicID tcpip.NICID = 1

// bridge pairs a connection-table handle with the gVisor-side
// net.Conn it forwards bytes to/from.
type bridge struct {
	conn net.Conn
	udp  *gonet.UDPConn
	dst  net.Addr
}

// Netstack is a tun2socks-style terminator built on gvisor.dev/gvisor:
// it owns a user-space network stack, accepts the device's outbound
// TCP/UDP flows as gVisor endpoints, and opens matching physical
// connections via Callbacks.Make*Connection.
type Netstack struct {
	mtu int

	mu       sync.Mutex
	cb       Callbacks
	st       *stack.Stack
	ep       *channel.Endpoint
	bridges  map[uint64]*bridge
	stopping bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewNetstack returns a Netstack terminator with the given link MTU.
func NewNetstack(mtu int) *Netstack {
	if mtu <= 0 {
		mtu = 1500
	}
	return &Netstack{mtu: mtu, bridges: make(map[uint64]*bridge), done: make(chan struct{})}
}

func (n *Netstack) Start(cb Callbacks) error {
	n.mu.Lock()
	n.cb = cb

	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	ep := channel.New(4096, uint32(n.mtu), "")
	if err := st.CreateNIC(nicID, ep); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("netstack: create nic: %v", err)
	}
	_ = st.SetPromiscuousMode(nicID, true)
	_ = st.SetSpoofing(nicID, true)
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	tcpFwd := tcp.NewForwarder(st, 0, 65535, n.handleTCPForward)
	st.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(st, n.handleUDPForward)
	st.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	n.st = st
	n.ep = ep
	n.mu.Unlock()

	if cb.StartPacketReadLoop != nil {
		cb.StartPacketReadLoop(n.HandlePacket)
	}
	go n.pumpOutbound()

	return nil
}

func (n *Netstack) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopping = true
		st := n.st
		bridges := n.bridges
		n.bridges = make(map[uint64]*bridge)
		n.mu.Unlock()

		close(n.done)
		for _, b := range bridges {
			if b.conn != nil {
				_ = b.conn.Close()
			}
		}
		if st != nil {
			st.Close()
		}
	})
}

// HandlePacket injects a raw outbound IP datagram read from the host
// into the gVisor stack as an inbound packet at its single NIC.
func (n *Netstack) HandlePacket(b []byte, hint packet.FamilyHint) {
	if len(b) == 0 {
		return
	}
	var proto tcpip.NetworkProtocolNumber
	switch b[0] >> 4 {
	case 4:
		proto = ipv4.ProtocolNumber
	case 6:
		proto = ipv6.ProtocolNumber
	default:
		return
	}

	n.mu.Lock()
	ep := n.ep
	n.mu.Unlock()
	if ep == nil {
		return
	}

	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), b...)),
	})
	ep.InjectInbound(proto, pb)
	pb.DecRef()
}

// pumpOutbound drains packets the stack wants to deliver back to the
// host (inbound, from the device's perspective) and hands them to
// EmitPackets.
func (n *Netstack) pumpOutbound() {
	for {
		select {
		case <-n.done:
			return
		default:
		}

		n.mu.Lock()
		ep := n.ep
		cb := n.cb
		n.mu.Unlock()
		if ep == nil {
			return
		}

		pb := ep.Read()
		if pb == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		v := pb.ToView()
		b := append([]byte(nil), v.AsSlice()...)
		pb.DecRef()

		if cb.EmitPackets == nil || len(b) == 0 {
			continue
		}
		family := packet.IPv4
		if b[0]>>4 == 6 {
			family = packet.IPv6
		}
		cb.EmitPackets([][]byte{b}, []packet.IPVersion{family})
	}
}

func (n *Netstack) handleTCPForward(r *tcp.ForwarderRequest) {
	id := r.ID()
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	nsConn := gonet.NewTCPConn(&wq, ep)
	dst := net.JoinHostPort(net.IP(id.RemoteAddress.AsSlice()).String(), fmt.Sprintf("%d", id.RemotePort))

	n.mu.Lock()
	cb := n.cb
	n.mu.Unlock()
	if cb.MakeTCPConnection == nil {
		nsConn.Close()
		return
	}
	handle, err := cb.MakeTCPConnection(dst)
	if err != nil {
		nsConn.Close()
		return
	}

	n.mu.Lock()
	n.bridges[handle] = &bridge{conn: nsConn}
	n.mu.Unlock()

	go n.pumpFromGvisor(handle, nsConn)
}

func (n *Netstack) handleUDPForward(r *udp.ForwarderRequest) {
	id := r.ID()
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return
	}

	nsUDP := gonet.NewUDPConn(&wq, ep)
	dst := net.JoinHostPort(net.IP(id.RemoteAddress.AsSlice()).String(), fmt.Sprintf("%d", id.RemotePort))

	n.mu.Lock()
	cb := n.cb
	n.mu.Unlock()
	if cb.MakeUDPConnection == nil {
		nsUDP.Close()
		return
	}
	handle, err := cb.MakeUDPConnection(dst)
	if err != nil {
		nsUDP.Close()
		return
	}

	n.mu.Lock()
	n.bridges[handle] = &bridge{conn: nsUDP, udp: nsUDP}
	n.mu.Unlock()

	go n.pumpFromGvisor(handle, nsUDP)
}

// pumpFromGvisor reads the device's outbound payload off the gVisor
// stream for this flow and forwards it to the physical connection
// behind handle via WriteToHandle.
func (n *Netstack) pumpFromGvisor(handle uint64, conn net.Conn) {
	n.mu.Lock()
	cb := n.cb
	n.mu.Unlock()

	buf := make([]byte, 65535)
	for {
		nr, err := conn.Read(buf)
		if err != nil {
			n.closeBridge(handle)
			return
		}
		if nr == 0 {
			continue
		}
		if cb.WriteToHandle != nil {
			if err := cb.WriteToHandle(handle, buf[:nr]); err != nil {
				n.closeBridge(handle)
				return
			}
		}
	}
}

func (n *Netstack) closeBridge(handle uint64) {
	n.mu.Lock()
	b, ok := n.bridges[handle]
	delete(n.bridges, handle)
	n.mu.Unlock()
	if ok && b.conn != nil {
		_ = b.conn.Close()
	}
}

// OnTCPReceive writes bytes read from the physical TCP connection into
// the corresponding gVisor-side stream, delivering them toward the
// device.
func (n *Netstack) OnTCPReceive(handle uint64, b []byte) {
	n.mu.Lock()
	br, ok := n.bridges[handle]
	n.mu.Unlock()
	if !ok || br.conn == nil {
		return
	}
	_, _ = br.conn.Write(b)
}

// OnUDPReceive writes a datagram read from the physical UDP connection
// back into the gVisor-side UDP endpoint.
func (n *Netstack) OnUDPReceive(handle uint64, b []byte) {
	n.mu.Lock()
	br, ok := n.bridges[handle]
	n.mu.Unlock()
	if !ok || br.conn == nil {
		return
	}
	_, _ = br.conn.Write(b)
}

func (n *Netstack) OnDialResult(handle uint64, success bool, _ string) {
	if success {
		return
	}
	n.closeBridge(handle)
}

func (n *Netstack) OnTCPClose(handle uint64) { n.closeBridge(handle) }
func (n *Netstack) OnUDPClose(handle uint64) { n.closeBridge(handle) }

// RecordDNS is a no-op: the netstack terminator performs no name
// resolution of its own.
func (n *Netstack) RecordDNS(string, []netip.Addr, time.Duration) {}
