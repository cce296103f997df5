package node

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"lanshare/config"
	"lanshare/control"
	"lanshare/models"
	"lanshare/session"
)

type testNode struct {
	*Node
	shareDir string
	dataDir  string
	cfgPath  string

	mu     sync.Mutex
	events []Event
}

func (tn *testNode) recorded(kind EventKind) []Event {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	var out []Event
	for _, event := range tn.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func startTestNode(t *testing.T, name, policy string, scan func(context.Context) ([]models.PeerDescriptor, error)) *testNode {
	t.Helper()
	tn := newTestNode(t, name, policy, scan, nil)
	tn.run(t)
	return tn
}

// newTestNode builds a node without running it. configure may adjust the
// options before New.
func newTestNode(t *testing.T, name, policy string, scan func(context.Context) ([]models.PeerDescriptor, error), configure func(*Options)) *testNode {
	t.Helper()

	tn := &testNode{
		shareDir: t.TempDir(),
		dataDir:  t.TempDir(),
	}
	tn.cfgPath = config.ConfigPath(tn.dataDir)
	if scan == nil {
		scan = func(context.Context) ([]models.PeerDescriptor, error) { return nil, nil }
	}

	cfg := &config.NodeConfig{
		DisplayName:       name,
		ShareDir:          tn.shareDir,
		DownloadDir:       t.TempDir(),
		DiscoveryPorts:    []int{freeUDPPort(t)},
		ScanTimeoutMS:     200,
		RefreshIntervalMS: 60000,
		ChunkSize:         8,
		ApprovalPolicy:    policy,
	}
	cfg.SetTransferAuthRequired(true)
	if err := config.Save(tn.cfgPath, cfg); err != nil {
		t.Fatalf("Save config failed: %v", err)
	}

	opts := Options{
		Config:     cfg,
		ConfigPath: tn.cfgPath,
		DataDir:    tn.dataDir,
		ListenHost: "127.0.0.1",
		Scan:       scan,
		OnEvent: func(event Event) {
			tn.mu.Lock()
			tn.events = append(tn.events, event)
			tn.mu.Unlock()
		},
	}
	if configure != nil {
		configure(&opts)
	}
	n, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = n.Close()
	})
	tn.Node = n
	return tn
}

func (tn *testNode) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// introduce makes b known to a, as a discovery pass would.
func introduce(a, b *testNode) {
	a.peers.Upsert(b.Descriptor("127.0.0.1"))
}

func connectPair(t *testing.T, a, b *testNode) {
	t.Helper()
	introduce(a, b)
	introduce(b, a)
	state, err := a.Connect(context.Background(), b.PeerID())
	if err != nil || state != models.StateConnected {
		t.Fatalf("expected connected, got %q %v", state, err)
	}
}

func TestConnectListAndDownloadRecordsHistory(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalAcceptAll, nil)
	content := []byte("chunked content spanning several chunks")
	writeFile(t, filepath.Join(b.shareDir, "docs", "readme.txt"), content)

	introduce(a, b)
	files, err := a.ListFiles(context.Background(), b.PeerID())
	if err != nil {
		t.Fatalf("ListFiles before connect failed: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected empty listing before authorization, got %+v", files)
	}

	connectPair(t, a, b)
	files, err = a.ListFiles(context.Background(), b.PeerID())
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].RelativePath != "docs/readme.txt" {
		t.Fatalf("unexpected listing %+v", files)
	}

	job, err := a.Download(context.Background(), b.PeerID(), "docs/readme.txt", "")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	waitJob(t, job)
	if job.Status() != session.StatusCompleted {
		t.Fatalf("expected completed job, got %s %v", job.Status(), job.Err())
	}

	dest := filepath.Join(a.Config().DownloadDir, "readme.txt")
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != string(content) {
		t.Fatalf("unexpected downloaded content %q %v", got, err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		entries, err := a.History(10)
		return err == nil && len(entries) == 1
	})
	entries, _ := a.History(10)
	if entries[0].Status != models.HistoryStatusCompleted || entries[0].PeerID != b.PeerID() || entries[0].Size != int64(len(content)) {
		t.Fatalf("unexpected history entry %+v", entries[0])
	}
	if len(a.recorded(EventJobFinished)) != 1 {
		t.Fatalf("expected job finished event")
	}
}

func TestPromptApprovalThroughNode(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalPrompt, nil)
	introduce(a, b)

	result := make(chan models.ConnectionState, 1)
	go func() {
		state, _ := a.Connect(context.Background(), b.PeerID())
		result <- state
	}()

	waitForCondition(t, 2*time.Second, func() bool {
		pending := b.PendingApprovals()
		return len(pending) == 1 && pending[0].PeerID == a.PeerID() && pending[0].DisplayName == "Alpha"
	})
	if peer, _ := a.peers.Get(b.PeerID()); peer.State != models.StatePending {
		t.Fatalf("expected pending state while waiting, got %q", peer.State)
	}
	if len(b.recorded(EventApprovalRequested)) != 1 {
		t.Fatalf("expected approval requested event")
	}
	if err := b.Decide(a.PeerID(), false); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	if state := <-result; state != models.StateRejected {
		t.Fatalf("expected rejected, got %q", state)
	}
	if len(b.Authorized()) != 0 {
		t.Fatalf("rejected peer must not be authorized")
	}
}

func TestTransferGateBlocksUnauthorizedDownload(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalRejectAll, nil)
	writeFile(t, filepath.Join(b.shareDir, "secret.bin"), []byte("secret"))
	introduce(a, b)

	state, err := a.Connect(context.Background(), b.PeerID())
	if err != nil || state != models.StateRejected {
		t.Fatalf("expected rejected, got %q %v", state, err)
	}

	job, err := a.Download(context.Background(), b.PeerID(), "secret.bin", "")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	waitJob(t, job)
	if job.Status() != session.StatusFailed || !strings.Contains(job.Err().Error(), "Not authorized") {
		t.Fatalf("expected not authorized failure, got %s %v", job.Status(), job.Err())
	}
	waitForCondition(t, 2*time.Second, func() bool {
		entries, _ := a.History(10)
		return len(entries) == 1 && entries[0].Status == models.HistoryStatusFailed
	})
}

func TestDownloadRejectsSecondActiveJobForPeer(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)

	// A transfer port that accepts and never answers keeps the first job running.
	hang, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		connsMu sync.Mutex
		conns   []net.Conn
	)
	go func() {
		for {
			conn, err := hang.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, conn)
			connsMu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = hang.Close()
		connsMu.Lock()
		defer connsMu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	silent := models.PeerDescriptor{
		PeerID:       "silent",
		DisplayName:  "Silent",
		Address:      "127.0.0.1",
		TransferPort: hang.Addr().(*net.TCPAddr).Port,
		ControlPort:  closedTCPPort(t),
	}
	a.peers.Upsert(silent)

	first, err := a.Download(context.Background(), "silent", "big.iso", "")
	if err != nil {
		t.Fatalf("first Download failed: %v", err)
	}
	if _, err := a.Download(context.Background(), "silent", "other.iso", ""); !errors.Is(err, ErrJobActive) {
		t.Fatalf("expected ErrJobActive, got %v", err)
	}
	if _, err := a.Download(context.Background(), "nobody", "x", ""); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	found, err := a.Job(first.ID()[:8])
	if err != nil || found != first {
		t.Fatalf("expected prefix lookup to find job, got %v", err)
	}
	if _, err := a.Job("zzzz"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	jobs := a.Jobs()
	if len(jobs) != 1 || jobs[0].Status != session.StatusRunning || jobs[0].PeerID != "silent" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestSearchCollectsMatchingHits(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalAcceptAll, nil)
	writeFile(t, filepath.Join(b.shareDir, "Quarterly-Report.pdf"), []byte("pdf"))
	writeFile(t, filepath.Join(b.shareDir, "notes.txt"), []byte("notes"))
	connectPair(t, a, b)

	hits, err := a.Search(context.Background(), "report", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].PeerID != b.PeerID() || hits[0].File.Name != "Quarterly-Report.pdf" {
		t.Fatalf("unexpected hits %+v", hits)
	}

	if _, err := a.Search(context.Background(), "  ", 0); !errors.Is(err, ErrEmptyKeyword) {
		t.Fatalf("expected ErrEmptyKeyword, got %v", err)
	}
}

func TestSearchHitBurstIsNotDropped(t *testing.T) {
	a := newTestNode(t, "Alpha", config.ApprovalPrompt, nil, nil)

	collector := newSearchCollector()
	id := a.addCollector(collector)

	const burst = 500
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < burst; i++ {
			a.handleSearchHit(models.SearchHit{PeerID: "p", File: models.SharedFile{Name: "f", RelativePath: strconv.Itoa(i)}})
		}
	}()

	for i := 0; i < burst; i++ {
		select {
		case hit := <-collector.hits:
			if hit.File.RelativePath != strconv.Itoa(i) {
				t.Fatalf("hit %d arrived as %q", i, hit.File.RelativePath)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d hits arrived", i, burst)
		}
	}
	<-sent

	a.removeCollector(id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.handleSearchHit(models.SearchHit{PeerID: "p"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("hit delivery blocked after the search finished")
	}
}

func TestSetDisplayNamePersistsAndAnnounces(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalAcceptAll, nil)
	connectPair(t, a, b)

	if err := a.SetDisplayName(context.Background(), "Alpha Prime"); err != nil {
		t.Fatalf("SetDisplayName failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		peer, ok := b.peers.Get(a.PeerID())
		return ok && peer.DisplayName == "Alpha Prime"
	})
	if len(b.recorded(EventPeerRenamed)) != 1 {
		t.Fatalf("expected rename event on the remote node")
	}

	saved, err := config.Load(a.cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.DisplayName != "Alpha Prime" {
		t.Fatalf("expected persisted name, got %q", saved.DisplayName)
	}
	if err := a.SetDisplayName(context.Background(), " "); err == nil {
		t.Fatalf("expected empty name to be rejected")
	}
}

func TestRemoveSharedFileNotifiesSessionPeers(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalAcceptAll, nil)
	writeFile(t, filepath.Join(b.shareDir, "old.txt"), []byte("old"))
	connectPair(t, a, b)

	file, err := b.RemoveSharedFile(context.Background(), "old.txt")
	if err != nil {
		t.Fatalf("RemoveSharedFile failed: %v", err)
	}
	if file.RelativePath != "old.txt" {
		t.Fatalf("unexpected removed file %+v", file)
	}
	if _, err := os.Stat(filepath.Join(b.shareDir, "old.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected file to be deleted, got %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		events := a.recorded(EventRemoteFileRemoved)
		return len(events) == 1 && events[0].Detail == "old.txt" && events[0].PeerID == b.PeerID()
	})

	if _, err := b.RemoveSharedFile(context.Background(), "../escape.txt"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

func TestDisconnectKeepsPeerAndRevokesRemotely(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalAcceptAll, nil)
	connectPair(t, a, b)
	if len(b.Authorized()) != 1 {
		t.Fatalf("expected a to be authorized on b")
	}

	if err := a.Disconnect(context.Background(), b.PeerID()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	peer, ok := a.peers.Get(b.PeerID())
	if !ok || peer.State != models.StateNotConnected {
		t.Fatalf("expected peer to stay known as not connected, got %+v %v", peer, ok)
	}
	waitForCondition(t, 2*time.Second, func() bool { return len(b.Authorized()) == 0 })
	waitForCondition(t, 2*time.Second, func() bool { return len(b.recorded(EventPeerDisconnected)) == 1 })

	state, err := a.Connect(context.Background(), b.PeerID())
	if err != nil || state != models.StateConnected {
		t.Fatalf("expected reconnect without rescan, got %q %v", state, err)
	}

	if err := a.Disconnect(context.Background(), "missing"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestForceDisconnectRevokesAndNotifies(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := startTestNode(t, "Beta", config.ApprovalAcceptAll, nil)
	connectPair(t, a, b)

	if err := b.ForceDisconnect(context.Background(), a.PeerID()); err != nil {
		t.Fatalf("ForceDisconnect failed: %v", err)
	}
	if len(b.Authorized()) != 0 {
		t.Fatalf("expected a to be revoked")
	}
	waitForCondition(t, 2*time.Second, func() bool {
		peer, ok := a.peers.Get(b.PeerID())
		return ok && peer.State == models.StateNotConnected
	})

	files, err := a.ListFiles(context.Background(), b.PeerID())
	if err != nil || len(files) != 0 {
		t.Fatalf("expected empty listing after kick, got %+v %v", files, err)
	}
}

func TestScanAppliesDiscoveredPeers(t *testing.T) {
	var (
		mu    sync.Mutex
		found = []models.PeerDescriptor{testPeer("p1", "One"), testPeer("p2", "Two")}
	)
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, func(context.Context) ([]models.PeerDescriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.PeerDescriptor(nil), found...), nil
	})

	peers, err := a.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected two peers, got %+v", peers)
	}

	_, _ = a.peers.Transition("p1", models.StatePending)
	_, _ = a.peers.Transition("p1", models.StateConnected)
	mu.Lock()
	found = nil
	mu.Unlock()

	peers, err = a.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != "p1" {
		t.Fatalf("expected only the connected peer to survive, got %+v", peers)
	}
}

func TestScanBeforeRunStartsScanner(t *testing.T) {
	a := newTestNode(t, "Alpha", config.ApprovalPrompt, func(context.Context) ([]models.PeerDescriptor, error) {
		return []models.PeerDescriptor{testPeer("p1", "One")}, nil
	}, nil)

	peers, err := a.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan before Run failed: %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != "p1" {
		t.Fatalf("unexpected peers %+v", peers)
	}
}

func TestConnectWithoutReplyEndsRejected(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()
	go func() {
		var held []net.Conn
		defer func() {
			for _, conn := range held {
				_ = conn.Close()
			}
		}()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	a := newTestNode(t, "Alpha", config.ApprovalPrompt, nil, func(opts *Options) {
		opts.ConnectTimeout = 150 * time.Millisecond
	})
	silent := models.PeerDescriptor{
		PeerID:       "silent",
		DisplayName:  "Silent",
		Address:      "127.0.0.1",
		ControlPort:  listener.Addr().(*net.TCPAddr).Port,
		TransferPort: 1,
	}
	a.peers.Upsert(silent)

	state, err := a.Connect(context.Background(), "silent")
	if state != models.StateRejected || !errors.Is(err, control.ErrNoResponse) {
		t.Fatalf("expected rejected with ErrNoResponse, got %q %v", state, err)
	}
	if peer, _ := a.peers.Get("silent"); peer.State != models.StateRejected {
		t.Fatalf("expected table state rejected, got %q", peer.State)
	}
}

func TestApprovalTimeoutReachesRequesterAsRejected(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	b := newTestNode(t, "Beta", config.ApprovalPrompt, nil, func(opts *Options) {
		opts.ApprovalTimeout = 100 * time.Millisecond
	})
	b.run(t)
	introduce(a, b)

	state, err := a.Connect(context.Background(), b.PeerID())
	if err != nil || state != models.StateRejected {
		t.Fatalf("expected an explicit reject after the approval window, got %q %v", state, err)
	}
	if len(b.Authorized()) != 0 {
		t.Fatalf("timed out request must not be authorized")
	}
	if a.options.ConnectTimeout <= b.options.ApprovalTimeout {
		t.Fatalf("connect timeout %s must exceed the approval window %s", a.options.ConnectTimeout, b.options.ApprovalTimeout)
	}
}

func TestSetShareRootPersists(t *testing.T) {
	a := startTestNode(t, "Alpha", config.ApprovalPrompt, nil)
	next := t.TempDir()
	writeFile(t, filepath.Join(next, "fresh.txt"), []byte("fresh"))

	if err := a.SetShareRoot(next); err != nil {
		t.Fatalf("SetShareRoot failed: %v", err)
	}
	files, err := a.LocalFiles()
	if err != nil || len(files) != 1 || files[0].Name != "fresh.txt" {
		t.Fatalf("unexpected local files %+v %v", files, err)
	}
	saved, err := config.Load(a.cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.ShareDir != next {
		t.Fatalf("expected persisted share dir %q, got %q", next, saved.ShareDir)
	}
	if err := a.SetShareRoot(filepath.Join(next, "missing")); err == nil {
		t.Fatalf("expected missing folder to be rejected")
	}
}

func waitJob(t *testing.T, job *session.Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not finish", job.ID())
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func closedTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
