package node

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"lanshare/models"
)

// Search asks connected peers for keyword and collects replies for window
// (DefaultSearchWindow when zero). Replies that do not match keyword are
// dropped, and duplicates are folded.
func (n *Node) Search(ctx context.Context, keyword string, window time.Duration) ([]models.SearchHit, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, ErrEmptyKeyword
	}
	if window <= 0 {
		window = n.options.SearchWindow
	}
	peers := n.peers.Connected()
	if len(peers) == 0 {
		return nil, nil
	}

	collector := newSearchCollector()
	id := n.addCollector(collector)
	defer n.removeCollector(id)

	for _, err := range n.controlClient.Search(ctx, peers, keyword) {
		n.logger.Debug("search request not delivered", zap.Error(err))
	}

	timer := n.clock.Timer(window)
	defer timer.Stop()

	needle := strings.ToLower(keyword)
	seen := make(map[string]struct{})
	var out []models.SearchHit
	for {
		select {
		case hit := <-collector.hits:
			if !strings.Contains(strings.ToLower(hit.File.Name), needle) {
				continue
			}
			key := hit.PeerID + "\x00" + hit.File.RelativePath
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, hit)
		case <-timer.C:
			sortHits(out)
			return out, nil
		case <-ctx.Done():
			sortHits(out)
			return out, ctx.Err()
		}
	}
}

// searchCollector receives hits for one running Search. done closes when
// the search returns.
type searchCollector struct {
	hits chan models.SearchHit
	done chan struct{}
}

func newSearchCollector() *searchCollector {
	return &searchCollector{
		hits: make(chan models.SearchHit, 64),
		done: make(chan struct{}),
	}
}

// handleSearchHit hands hit to every running search. It blocks until each
// collector takes the hit or finishes.
func (n *Node) handleSearchHit(hit models.SearchHit) {
	n.searchMu.Lock()
	collectors := make([]*searchCollector, 0, len(n.collectors))
	for _, c := range n.collectors {
		collectors = append(collectors, c)
	}
	n.searchMu.Unlock()

	for _, c := range collectors {
		select {
		case c.hits <- hit:
		case <-c.done:
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) addCollector(c *searchCollector) uint64 {
	n.searchMu.Lock()
	defer n.searchMu.Unlock()
	n.searchSeq++
	n.collectors[n.searchSeq] = c
	return n.searchSeq
}

func (n *Node) removeCollector(id uint64) {
	n.searchMu.Lock()
	defer n.searchMu.Unlock()
	if c, ok := n.collectors[id]; ok {
		close(c.done)
		delete(n.collectors, id)
	}
}

func sortHits(hits []models.SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].PeerID != hits[j].PeerID {
			return hits[i].PeerID < hits[j].PeerID
		}
		return hits[i].File.RelativePath < hits[j].File.RelativePath
	})
}
