package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
)

// ARPScanner sweeps a subnet for responders. Implementations other than
// the pcap-backed one exist only in tests.
type ARPScanner interface {
	Scan(ctx context.Context, cidr string) ([]ARPResult, error)
}

// PcapARPScanner broadcasts ARP requests on an interface and collects
// replies for the configured window. ARP only works on the local L2
// segment, which is exactly the local controller's remit.
type PcapARPScanner struct {
	log     *slog.Logger
	iface   string
	timeout time.Duration
}

func NewPcapARPScanner(log *slog.Logger, iface string, timeout time.Duration) (*PcapARPScanner, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if iface == "" {
		return nil, errors.New("interface is required")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &PcapARPScanner{log: log, iface: iface, timeout: timeout}, nil
}

func (s *PcapARPScanner) Scan(ctx context.Context, cidr string) ([]ARPResult, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", cidr, err)
	}

	ifc, err := net.InterfaceByName(s.iface)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", s.iface, err)
	}
	srcIP, err := interfaceIPv4(ifc)
	if err != nil {
		return nil, err
	}

	handle, err := pcap.OpenLive(s.iface, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open capture on %s: %w", s.iface, err)
	}
	defer handle.Close()
	if err := handle.SetBPFFilter("arp"); err != nil {
		return nil, fmt.Errorf("set arp filter: %w", err)
	}

	// Collector drains replies while requests go out.
	results := make(chan ARPResult, 256)
	collectCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	go s.collect(collectCtx, handle, prefix, results)

	if err := s.broadcast(handle, ifc, srcIP, prefix); err != nil {
		return nil, err
	}

	var out []ARPResult
	seen := make(map[string]struct{})
	for {
		select {
		case r := <-results:
			if _, dup := seen[r.MAC]; !dup {
				seen[r.MAC] = struct{}{}
				out = append(out, r)
			}
		case <-collectCtx.Done():
			s.log.Debug("arp sweep complete", "subnet", cidr, "responders", len(out))
			return out, nil
		}
	}
}

func (s *PcapARPScanner) broadcast(handle *pcap.Handle, ifc *net.Interface, srcIP net.IP, prefix netip.Prefix) error {
	eth := layers.Ethernet{
		SrcMAC:       ifc.HardwareAddr,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   ifc.HardwareAddr,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	for addr := prefix.Masked().Addr(); prefix.Contains(addr); addr = addr.Next() {
		ip4 := addr.As4()
		arp.DstProtAddress = ip4[:]
		if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
			return fmt.Errorf("serialize arp request: %w", err)
		}
		if err := handle.WritePacketData(buf.Bytes()); err != nil {
			return fmt.Errorf("send arp request to %s: %w", addr, err)
		}
	}
	return nil
}

func (s *PcapARPScanner) collect(ctx context.Context, handle *pcap.Handle, prefix netip.Prefix, out chan<- ARPResult) {
	src := gopacket.NewPacketSource(handle, handle.LinkType())
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-src.Packets():
			if !ok {
				return
			}
			layer := pkt.Layer(layers.LayerTypeARP)
			if layer == nil {
				continue
			}
			arp := layer.(*layers.ARP)
			if arp.Operation != layers.ARPReply {
				continue
			}
			addr, ok := netip.AddrFromSlice(arp.SourceProtAddress)
			if !ok || !prefix.Contains(addr) {
				continue
			}
			select {
			case out <- ARPResult{
				IP:        addr.String(),
				MAC:       net.HardwareAddr(arp.SourceHwAddress).String(),
				Timestamp: time.Now().UTC(),
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func interfaceIPv4(ifc *net.Interface) (net.IP, error) {
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface addrs: %w", err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", ifc.Name)
}
