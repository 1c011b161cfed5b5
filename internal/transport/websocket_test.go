package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gorilla/websocket"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleetwatch/internal/transport"
)

// echoServer upgrades /ws and replies to every text frame with "echo:<frame>".
func echoServer(received chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if err := c.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			return
		}
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				close(received)
				return
			}
			received <- string(data)
			if err := c.WriteMessage(websocket.TextMessage, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

var _ = Describe("Dialer", func() {
	var (
		received chan string
		srv      *httptest.Server
		wsURL    string
	)

	BeforeEach(func() {
		received = make(chan string, 8)
		srv = echoServer(received)
		var err error
		wsURL, err = transport.URLFromOrigin(srv.URL)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		srv.Close()
	})

	It("should exchange text frames", func() {
		conn, err := transport.NewDialer().Dial(context.Background(), wsURL)
		Expect(err).NotTo(HaveOccurred())

		first, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(first)).To(Equal("ping"))

		Expect(conn.WriteMessage([]byte("pong"))).To(Succeed())
		Eventually(received).Should(Receive(Equal("pong")))

		reply, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(reply)).To(Equal("echo:pong"))

		Expect(conn.Close()).To(Succeed())
		Eventually(received).Should(BeClosed())
	})

	It("should fail reads after Close", func() {
		conn, err := transport.NewDialer().Dial(context.Background(), wsURL)
		Expect(err).NotTo(HaveOccurred())

		// The greeting may already be buffered; only later reads see the close.
		greeting, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(greeting)).To(Equal("ping"))

		Expect(conn.Close()).To(Succeed())
		_, err = conn.ReadMessage()
		Expect(err).To(HaveOccurred())
	})

	It("should include the status of a rejected upgrade", func() {
		plain := httptest.NewServer(http.NotFoundHandler())
		defer plain.Close()
		u, _ := transport.URLFromOrigin(plain.URL)

		_, err := transport.NewDialer().Dial(context.Background(), u)
		Expect(err).To(MatchError(ContainSubstring("status 404")))
	})

	It("should send configured headers", func() {
		seen := make(chan string, 1)
		upgrader := websocket.Upgrader{}
		hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen <- r.Header.Get("X-Fleet")
			c, err := upgrader.Upgrade(w, r, nil)
			if err == nil {
				_ = c.Close()
			}
		}))
		defer hs.Close()

		u, _ := transport.URLFromOrigin(hs.URL)
		conn, err := transport.NewDialer(transport.WithHeader(http.Header{"X-Fleet": {"dashboard"}})).Dial(context.Background(), u)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()
		Eventually(seen).Should(Receive(Equal("dashboard")))
	})

	It("should stop on a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := transport.NewDialer().Dial(ctx, wsURL)
		Expect(err).To(HaveOccurred())
	})
})

var _ = DescribeTable("URLFromOrigin",
	func(origin, expected string) {
		u, err := transport.URLFromOrigin(origin)
		Expect(err).NotTo(HaveOccurred())
		Expect(u).To(Equal(expected))
	},
	Entry("http", "http://localhost:8080", "ws://localhost:8080/ws"),
	Entry("https", "https://fleet.example.com", "wss://fleet.example.com/ws"),
	Entry("trailing slash", "http://localhost:8080/", "ws://localhost:8080/ws"),
	Entry("path prefix", "https://example.com/fleet", "wss://example.com/fleet/ws"),
	Entry("already ws", "ws://localhost:8080", "ws://localhost:8080/ws"),
	Entry("drops query", "http://localhost:8080/?x=1", "ws://localhost:8080/ws"),
)

var _ = Describe("URLFromOrigin errors", func() {
	It("should reject other schemes and missing hosts", func() {
		_, err := transport.URLFromOrigin("ftp://example.com")
		Expect(err).To(MatchError(ContainSubstring("unsupported origin scheme")))
		_, err = transport.URLFromOrigin("http://")
		Expect(err).To(MatchError(ContainSubstring("no host")))
		_, err = transport.URLFromOrigin(strings.Repeat(" ", 2))
		Expect(err).To(HaveOccurred())
	})
})
