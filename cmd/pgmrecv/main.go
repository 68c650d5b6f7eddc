// Command pgmrecv joins a PGM multicast group and writes delivered
// payloads to stdout, one per line, acknowledging unrecoverable gaps as
// it finds them.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	openpgm "github.com/openpgm/pgm"
	"github.com/openpgm/pgm/transport/udpcap"
)

func main() {
	group := "239.192.0.1:7500"
	if len(os.Args) > 1 {
		group = os.Args[1]
	}

	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		logrus.Fatalf("resolve group: %v", err)
	}

	tr, err := udpcap.New(udpcap.Config{Group: addr, Loopback: false})
	if err != nil {
		logrus.Fatalf("open transport: %v", err)
	}
	defer tr.Close()

	hostname, err := os.Hostname()
	if err != nil {
		logrus.Fatalf("hostname: %v", err)
	}
	tsi := openpgm.TSI{GSI: openpgm.NewGSIFromHostname(hostname), Port: uint16(addr.Port)}

	ep, err := openpgm.New(tsi, tr, openpgm.WithMTU(1500))
	if err != nil {
		logrus.Fatalf("new endpoint: %v", err)
	}
	defer ep.Close(false, nil)

	prometheus.MustRegister(ep.Metrics())
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logrus.Infof("metrics listening on :18082")
		logrus.Warn(http.ListenAndServe(":18082", nil))
	}()

	go recvLoop(ep, tr)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		ep.Tick(time.Now())
		deliveries, err := ep.Recvmsg()
		for _, d := range deliveries {
			fmt.Println(string(d.Payload))
			if d.Gap {
				logrus.Warnf("unrecoverable gap from %s, acknowledging reset", d.TSI)
				ep.AcknowledgeReset(d.TSI)
			}
		}
		if err != nil && !errors.Is(err, openpgm.ErrConnReset) {
			logrus.Errorf("recvmsg: %v", err)
		}
	}
}

func recvLoop(ep *openpgm.Endpoint, tr *udpcap.Transport) {
	buf := make([]byte, 65536)
	for {
		n, from, err := tr.RecvFrom(buf)
		if err != nil {
			logrus.Errorf("recvfrom: %v", err)
			return
		}
		if err := ep.OnPacket(buf[:n], from); err != nil {
			logrus.Debugf("onpacket: %v", err)
		}
	}
}
