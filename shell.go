package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"lanshare/models"
	"lanshare/node"
)

const commandTimeout = 90 * time.Second

var errAmbiguousPeer = errors.New("peer reference is ambiguous")

// shell is the interactive command loop of a running node.
type shell struct {
	node *node.Node
	in   io.Reader
	out  io.Writer
}

func newShell(n *node.Node, in io.Reader, out io.Writer) *shell {
	return &shell{node: n, in: in, out: out}
}

// run reads commands until quit, end of input or ctx is done.
func (s *shell) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(s.out, "Type 'help' for available commands.")
	for {
		fmt.Fprint(s.out, "lanshare> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				return
			}
			if s.execute(ctx, line) {
				return
			}
		}
	}
}

// execute runs one command line and reports whether the shell should exit.
func (s *shell) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case "help":
		s.help()
	case "peers":
		printPeers(s.out, s.node.Peers())
	case "scan":
		var peers []models.PeerDescriptor
		peers, err = s.node.Scan(cmdCtx)
		if err == nil {
			printPeers(s.out, peers)
		}
	case "connect":
		err = s.withPeer(args, "connect <peer>", func(id string) error {
			state, err := s.node.Connect(cmdCtx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Connection %s.\n", state)
			return nil
		})
	case "disconnect":
		err = s.withPeer(args, "disconnect <peer>", func(id string) error {
			if err := s.node.Disconnect(cmdCtx, id); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Disconnected.")
			return nil
		})
	case "kick":
		err = s.kick(cmdCtx, args)
	case "ls":
		err = s.list(cmdCtx, args)
	case "get":
		err = s.get(cmdCtx, args)
	case "jobs":
		s.jobs()
	case "pause", "resume", "cancel":
		err = s.control(cmd, args)
	case "search":
		err = s.search(cmdCtx, args)
	case "name":
		if len(args) == 0 {
			fmt.Fprintf(s.out, "Display name: %s\n", s.node.DisplayName())
			break
		}
		err = s.node.SetDisplayName(cmdCtx, strings.Join(args, " "))
		if err == nil {
			fmt.Fprintf(s.out, "Display name set to %q.\n", s.node.DisplayName())
		}
	case "share":
		err = s.share(args)
	case "rm":
		err = s.remove(cmdCtx, args)
	case "pending":
		s.pending()
	case "accept", "reject":
		err = s.decide(cmd == "accept", args)
	case "history":
		err = s.history(args)
	case "quit", "exit":
		fmt.Fprintln(s.out, "Stopping node...")
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s. Type 'help' for info.\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "Available commands:")
	fmt.Fprintln(s.out, "  peers                     - list known peers")
	fmt.Fprintln(s.out, "  scan                      - discover peers now")
	fmt.Fprintln(s.out, "  connect <peer>            - request a session")
	fmt.Fprintln(s.out, "  disconnect <peer>         - end a session")
	fmt.Fprintln(s.out, "  kick <peer>               - revoke a peer's access to this share")
	fmt.Fprintln(s.out, "  ls [peer]                 - list a peer's files, or the local share")
	fmt.Fprintln(s.out, "  get <peer> <path> [dest]  - download a file")
	fmt.Fprintln(s.out, "  jobs                      - list downloads")
	fmt.Fprintln(s.out, "  pause|resume|cancel <job> - control a download")
	fmt.Fprintln(s.out, "  search <keyword>          - search connected peers")
	fmt.Fprintln(s.out, "  name [new name]           - show or change the display name")
	fmt.Fprintln(s.out, "  share [folder]            - show or change the share folder")
	fmt.Fprintln(s.out, "  rm <path>                 - delete a shared file")
	fmt.Fprintln(s.out, "  pending                   - list connect requests awaiting a decision")
	fmt.Fprintln(s.out, "  accept|reject <peer>      - answer a connect request")
	fmt.Fprintln(s.out, "  history [limit|clear]     - show or clear download history")
	fmt.Fprintln(s.out, "  quit                      - stop the node and exit")
}

func (s *shell) withPeer(args []string, usage string, fn func(id string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s", usage)
	}
	id, err := s.resolvePeer(args[0])
	if err != nil {
		return err
	}
	return fn(id)
}

// resolvePeer accepts a full id, a unique id prefix or a unique display name.
func (s *shell) resolvePeer(ref string) (string, error) {
	var byPrefix, byName []string
	for _, peer := range s.node.Peers() {
		if peer.PeerID == ref {
			return peer.PeerID, nil
		}
		if strings.HasPrefix(peer.PeerID, ref) {
			byPrefix = append(byPrefix, peer.PeerID)
		}
		if strings.EqualFold(peer.DisplayName, ref) {
			byName = append(byName, peer.PeerID)
		}
	}
	for _, candidates := range [][]string{byPrefix, byName} {
		switch len(candidates) {
		case 0:
			continue
		case 1:
			return candidates[0], nil
		default:
			return "", fmt.Errorf("%w: %q", errAmbiguousPeer, ref)
		}
	}
	return "", fmt.Errorf("%w: %s", node.ErrUnknownPeer, ref)
}

func (s *shell) kick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kick <peer>")
	}
	id, err := s.resolvePeer(args[0])
	if err != nil {
		id = args[0]
	}
	if err := s.node.ForceDisconnect(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Peer access revoked.")
	return nil
}

func (s *shell) list(ctx context.Context, args []string) error {
	var (
		files []models.SharedFile
		err   error
	)
	if len(args) == 0 {
		files, err = s.node.LocalFiles()
	} else {
		var id string
		if id, err = s.resolvePeer(args[0]); err != nil {
			return err
		}
		files, err = s.node.ListFiles(ctx, id)
	}
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(s.out, "No files.")
		return nil
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE")
	for _, file := range files {
		fmt.Fprintf(tw, "%s\t%d\n", file.RelativePath, file.Size)
	}
	return tw.Flush()
}

func (s *shell) get(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: get <peer> <path> [dest]")
	}
	id, err := s.resolvePeer(args[0])
	if err != nil {
		return err
	}
	dest := ""
	if len(args) > 2 {
		dest = args[2]
	}
	job, err := s.node.Download(ctx, id, args[1], dest)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Download %s started.\n", shortID(job.ID()))
	return nil
}

func (s *shell) jobs() {
	infos := s.node.Jobs()
	if len(infos) == 0 {
		fmt.Fprintln(s.out, "No downloads.")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tPEER\tFILE\tSTATUS\tPROGRESS\tELAPSED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d (%.0f%%)\t%s\n",
			shortID(info.ID), valueOr(info.PeerName, shortID(info.PeerID)), info.FileName, info.Status,
			info.Progress.Completed, info.Progress.Total, info.Progress.Fraction()*100,
			info.Progress.Elapsed.Truncate(time.Second))
	}
	_ = tw.Flush()
}

func (s *shell) control(cmd string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <job>", cmd)
	}
	job, err := s.node.Job(args[0])
	if err != nil {
		return err
	}

	var ok bool
	switch cmd {
	case "pause":
		ok = job.Pause()
	case "resume":
		ok = job.Resume()
	case "cancel":
		ok = job.Cancel()
	}
	if !ok {
		return fmt.Errorf("cannot %s a %s download", cmd, job.Status())
	}
	fmt.Fprintf(s.out, "Download %s: %s requested.\n", shortID(job.ID()), cmd)
	return nil
}

func (s *shell) search(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: search <keyword>")
	}
	fmt.Fprintln(s.out, "Searching...")
	hits, err := s.node.Search(ctx, strings.Join(args, " "), 0)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Fprintln(s.out, "No matches.")
		return nil
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tPATH\tSIZE")
	for _, hit := range hits {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", shortID(hit.PeerID), hit.File.RelativePath, hit.File.Size)
	}
	return tw.Flush()
}

func (s *shell) share(args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(s.out, "Share folder: %s\n", valueOr(s.node.Config().ShareDir, "(none)"))
		return nil
	}
	path := strings.Join(args, " ")
	if path == "-" {
		path = ""
	}
	if err := s.node.SetShareRoot(path); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Share folder: %s\n", valueOr(s.node.Config().ShareDir, "(none)"))
	return nil
}

func (s *shell) remove(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rm <path>")
	}
	file, err := s.node.RemoveSharedFile(ctx, strings.Join(args, " "))
	if file.RelativePath != "" {
		fmt.Fprintf(s.out, "Removed %s.\n", file.RelativePath)
	}
	return err
}

func (s *shell) pending() {
	requests := s.node.PendingApprovals()
	if len(requests) == 0 {
		fmt.Fprintln(s.out, "No pending requests.")
		return
	}
	for _, req := range requests {
		fmt.Fprintf(s.out, "  %s  %s  from %s\n", shortID(req.PeerID), req.DisplayName, req.RemoteAddr)
	}
}

func (s *shell) decide(accept bool, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: accept|reject <peer>")
	}
	ref := args[0]
	var matches []string
	for _, req := range s.node.PendingApprovals() {
		if req.PeerID == ref || strings.HasPrefix(req.PeerID, ref) || strings.EqualFold(req.DisplayName, ref) {
			matches = append(matches, req.PeerID)
		}
	}
	switch len(matches) {
	case 0:
		return fmt.Errorf("%w: %s", node.ErrNoPendingApproval, ref)
	case 1:
	default:
		return fmt.Errorf("%w: %q", errAmbiguousPeer, ref)
	}
	if err := s.node.Decide(matches[0], accept); err != nil {
		return err
	}
	if accept {
		fmt.Fprintln(s.out, "Request accepted.")
	} else {
		fmt.Fprintln(s.out, "Request rejected.")
	}
	return nil
}

func (s *shell) history(args []string) error {
	limit := 20
	if len(args) > 0 {
		if args[0] == "clear" {
			removed, err := s.node.ClearHistory()
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Cleared %d entries.\n", removed)
			return nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return errors.New("usage: history [limit|clear]")
		}
		limit = n
	}

	entries, err := s.node.History(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No history.")
		return nil
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tPEER\tFILE\tSIZE\tSTATUS")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			entry.CompletedAt.Local().Format(time.DateTime), valueOr(entry.PeerName, shortID(entry.PeerID)),
			entry.FileName, entry.Size, entry.Status)
	}
	return tw.Flush()
}

func printEvent(out io.Writer, event node.Event) {
	switch event.Kind {
	case node.EventApprovalRequested:
		fmt.Fprintf(out, "\n[request] %s (%s) wants to connect. Use 'accept %s' or 'reject %s'.\n",
			event.Detail, shortID(event.PeerID), shortID(event.PeerID), shortID(event.PeerID))
	case node.EventPeerDisconnected:
		fmt.Fprintf(out, "\n[peer] %s disconnected.\n", shortID(event.PeerID))
	case node.EventPeerRenamed:
		fmt.Fprintf(out, "\n[peer] %s is now %q.\n", shortID(event.PeerID), event.Detail)
	case node.EventRemoteFileRemoved:
		fmt.Fprintf(out, "\n[peer] %s removed %s from its share.\n", shortID(event.PeerID), event.Detail)
	case node.EventJobFinished:
		fmt.Fprintf(out, "\n[download] %s %s.\n", shortID(event.JobID), event.Detail)
	}
}
