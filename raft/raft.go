// Package raft implements the replicated log each mutating subsystem
// that needs total order (the lock manager, the queue) runs its own
// instance of: leader election with randomized timeouts, AppendEntries-
// driven log replication, the majority commit rule, and an
// InstallSnapshot boundary that's wired end to end but not yet invoked
// by any subsystem.
//
// Outline of the API a service built on Raft uses:
//
//	rf := Make(...)           // start a new Raft group member
//	rf.Start(command)          // propose a new log entry
//	rf.GetState()              // (term, isLeader)
//	<-applyCh                  // ApplyMsg for each newly committed entry
package raft

import (
	"bytes"
	"math/rand"
	"sync"
	"time"

	"github.com/hwahyudi/syncd/gobcodec"
	"github.com/hwahyudi/syncd/log"
	"github.com/hwahyudi/syncd/metrics"
	"github.com/hwahyudi/syncd/storage"
	"github.com/hwahyudi/syncd/transport"
)

// LogEntry is one entry in the replicated log.
type LogEntry struct {
	Index   int
	Term    int
	Command interface{}
}

// Raft server states.
const (
	StateFollower = iota
	StateCandidate
	StateLeader
)

// ApplyMsg is delivered on applyCh as the peer's own log entries commit,
// or as a snapshot to install.
type ApplyMsg struct {
	CommandValid bool
	CommandIndex int
	Command      interface{}
	UseSnapshot  bool
	Snapshot     []byte
}

// Raft is one member of a replicated-log group. A process hosting several
// subsystems (lock, queue) runs one Raft per subsystem,
// sharing the node's transport but each with its own RPC service name and
// durable store.
type Raft struct {
	mu      sync.Mutex
	group   string // "lock" or "queue" — used for the RPC service name and metric labels
	selfID  string
	peerIDs []string // includes selfID; order fixed for the life of the group
	me      int      // index of selfID within peerIDs

	transport *transport.Transport
	store     *storage.RaftStore

	heartbeatInterval  time.Duration
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration

	state     int
	voteCount int

	currentTerm int
	votedFor    string // "" means no vote cast this term
	log         []LogEntry

	commitIndex int
	lastApplied int

	nextIndex  map[string]int
	matchIndex map[string]int

	chanApply     chan ApplyMsg
	chanGrantVote chan bool
	chanWinElect  chan bool
	chanHeartbeat chan bool
	stop          chan struct{}
}

// GetState returns currentTerm and whether this server believes itself leader.
func (rf *Raft) GetState() (int, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentTerm, rf.state == StateLeader
}

func (rf *Raft) getLastLogTerm() int  { return rf.log[len(rf.log)-1].Term }
func (rf *Raft) getLastLogIndex() int { return rf.log[len(rf.log)-1].Index }

// persist saves currentTerm, votedFor and log to stable storage.
func (rf *Raft) persist() {
	data := rf.getRaftState()
	if err := rf.store.SaveRaftState(data); err != nil {
		log.WithComponent("raft").Error().Err(err).Str("group", rf.group).Msg("persist failed")
	}
}

func (rf *Raft) readPersist(data []byte) {
	if len(data) < 1 {
		return
	}
	r := bytes.NewBuffer(data)
	d := gobcodec.NewDecoder(r)
	d.Decode(&rf.currentTerm)
	d.Decode(&rf.votedFor)
	d.Decode(&rf.log)
}

func (rf *Raft) getRaftState() []byte {
	w := new(bytes.Buffer)
	e := gobcodec.NewEncoder(w)
	e.Encode(rf.currentTerm)
	e.Encode(rf.votedFor)
	e.Encode(rf.log)
	return w.Bytes()
}

// GetRaftStateSize reports the size of the last persisted state, used to
// decide when a snapshot would be worth taking.
func (rf *Raft) GetRaftStateSize() int {
	return rf.store.RaftStateSize()
}

// CreateSnapshot folds the service's snapshot bytes with the raft log
// metadata up to index, and persists both. No subsystem calls this yet;
// it stays wired so a later addition of log compaction doesn't need
// surgery on the replication path.
func (rf *Raft) CreateSnapshot(serviceSnapshot []byte, index int) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	baseIndex, lastIndex := rf.log[0].Index, rf.getLastLogIndex()
	if index <= baseIndex || index > lastIndex {
		return
	}
	rf.trimLog(index, rf.log[index-baseIndex].Term)

	w := new(bytes.Buffer)
	e := gobcodec.NewEncoder(w)
	e.Encode(rf.log[0].Index)
	e.Encode(rf.log[0].Term)
	snapshot := append(w.Bytes(), serviceSnapshot...)

	if err := rf.store.SaveStateAndSnapshot(rf.getRaftState(), snapshot); err != nil {
		log.WithComponent("raft").Error().Err(err).Str("group", rf.group).Msg("snapshot save failed")
	}
}

func (rf *Raft) recoverFromSnapshot(snapshot []byte) {
	if len(snapshot) < 1 {
		return
	}
	var lastIncludedIndex, lastIncludedTerm int
	r := bytes.NewBuffer(snapshot)
	d := gobcodec.NewDecoder(r)
	d.Decode(&lastIncludedIndex)
	d.Decode(&lastIncludedTerm)

	rf.lastApplied = lastIncludedIndex
	rf.commitIndex = lastIncludedIndex
	rf.trimLog(lastIncludedIndex, lastIncludedTerm)

	rf.chanApply <- ApplyMsg{UseSnapshot: true, Snapshot: snapshot}
}

// RequestVoteArgs carries a candidate's request for a vote.
type RequestVoteArgs struct {
	Term         int
	CandidateID  string
	LastLogIndex int
	LastLogTerm  int
}

// RequestVoteReply is the voter's response.
type RequestVoteReply struct {
	Term        int
	VoteGranted bool
}

// RequestVote handles an incoming vote request.
func (rf *Raft) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	defer rf.persist()

	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		reply.VoteGranted = false
		return nil
	}

	if args.Term > rf.currentTerm {
		rf.state = StateFollower
		rf.currentTerm = args.Term
		rf.votedFor = ""
	}

	reply.Term = rf.currentTerm
	reply.VoteGranted = false

	if (rf.votedFor == "" || rf.votedFor == args.CandidateID) && rf.isUpToDate(args.LastLogTerm, args.LastLogIndex) {
		rf.votedFor = args.CandidateID
		reply.VoteGranted = true
		rf.chanGrantVote <- true
	}
	return nil
}

func (rf *Raft) isUpToDate(candidateTerm, candidateIndex int) bool {
	term, index := rf.getLastLogTerm(), rf.getLastLogIndex()
	return candidateTerm > term || (candidateTerm == term && candidateIndex >= index)
}

func (rf *Raft) peer(id string) (transport.PeerCaller, bool) {
	return rf.transport.Peer(id)
}

func (rf *Raft) serviceMethod(method string) string {
	return "Raft_" + rf.group + "." + method
}

func (rf *Raft) sendRequestVote(server string, args *RequestVoteArgs, reply *RequestVoteReply) bool {
	p, ok := rf.peer(server)
	if !ok {
		return false
	}
	ok = p.Call(rf.serviceMethod("RequestVote"), args, reply)

	rf.mu.Lock()
	defer rf.mu.Unlock()
	defer rf.persist()

	if ok {
		if rf.state != StateCandidate || rf.currentTerm != args.Term {
			return ok
		}
		if rf.currentTerm < reply.Term {
			rf.state = StateFollower
			rf.currentTerm = reply.Term
			rf.votedFor = ""
			return ok
		}

		if reply.VoteGranted {
			rf.voteCount++
			if rf.voteCount > len(rf.peerIDs)/2 {
				rf.state = StateLeader
				rf.persist()
				rf.nextIndex = make(map[string]int, len(rf.peerIDs))
				rf.matchIndex = make(map[string]int, len(rf.peerIDs))
				nextIndex := rf.getLastLogIndex() + 1
				for _, id := range rf.peerIDs {
					rf.nextIndex[id] = nextIndex
				}
				metrics.RaftIsLeader.WithLabelValues(rf.group).Set(1)
				rf.chanWinElect <- true
			}
		}
	}
	return ok
}

func (rf *Raft) broadcastRequestVote() {
	rf.mu.Lock()
	args := &RequestVoteArgs{
		Term:         rf.currentTerm,
		CandidateID:  rf.selfID,
		LastLogIndex: rf.getLastLogIndex(),
		LastLogTerm:  rf.getLastLogTerm(),
	}
	peerIDs := append([]string(nil), rf.peerIDs...)
	rf.mu.Unlock()

	for _, id := range peerIDs {
		if id != rf.selfID {
			go rf.sendRequestVote(id, args, &RequestVoteReply{})
		}
	}
}

// AppendEntriesArgs carries a leader's replication or heartbeat request.
type AppendEntriesArgs struct {
	Term         int
	LeaderID     string
	PrevLogIndex int
	PrevLogTerm  int
	Entries      []LogEntry
	LeaderCommit int
}

// AppendEntriesReply is the follower's response, with the optimistic
// back-off hint NextTryIndex for fast log-conflict resolution.
type AppendEntriesReply struct {
	Term         int
	Success      bool
	NextTryIndex int
}

// AppendEntries handles a replication or heartbeat RPC from the leader.
func (rf *Raft) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	defer rf.persist()

	reply.Success = false

	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		reply.NextTryIndex = rf.getLastLogIndex() + 1
		return nil
	}

	if args.Term > rf.currentTerm {
		rf.state = StateFollower
		rf.currentTerm = args.Term
		rf.votedFor = ""
	}

	rf.chanHeartbeat <- true
	reply.Term = rf.currentTerm

	if args.PrevLogIndex > rf.getLastLogIndex() {
		reply.NextTryIndex = rf.getLastLogIndex() + 1
		return nil
	}

	baseIndex := rf.log[0].Index

	if args.PrevLogIndex >= baseIndex && args.PrevLogTerm != rf.log[args.PrevLogIndex-baseIndex].Term {
		term := rf.log[args.PrevLogIndex-baseIndex].Term
		for i := args.PrevLogIndex - 1; i >= baseIndex; i-- {
			if rf.log[i-baseIndex].Term != term {
				reply.NextTryIndex = i + 1
				break
			}
		}
	} else if args.PrevLogIndex >= baseIndex-1 {
		rf.log = rf.log[:args.PrevLogIndex-baseIndex+1]
		rf.log = append(rf.log, args.Entries...)

		reply.Success = true
		reply.NextTryIndex = args.PrevLogIndex + len(args.Entries)

		if rf.commitIndex < args.LeaderCommit {
			rf.commitIndex = min(args.LeaderCommit, rf.getLastLogIndex())
			go rf.applyLog()
		}
	}
	return nil
}

// applyLog sends ApplyMsg for every entry in (lastApplied, commitIndex].
func (rf *Raft) applyLog() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	baseIndex := rf.log[0].Index
	metrics.RaftCommitIndex.WithLabelValues(rf.group).Set(float64(rf.commitIndex))

	for i := rf.lastApplied + 1; i <= rf.commitIndex; i++ {
		rf.chanApply <- ApplyMsg{
			CommandIndex: i,
			CommandValid: true,
			Command:      rf.log[i-baseIndex].Command,
		}
	}
	rf.lastApplied = rf.commitIndex
}

func (rf *Raft) sendAppendEntries(server string, args *AppendEntriesArgs, reply *AppendEntriesReply) bool {
	p, ok := rf.peer(server)
	if !ok {
		return false
	}
	ok = p.Call(rf.serviceMethod("AppendEntries"), args, reply)

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if !ok || rf.state != StateLeader || args.Term != rf.currentTerm {
		return ok
	}
	if reply.Term > rf.currentTerm {
		rf.currentTerm = reply.Term
		rf.state = StateFollower
		rf.votedFor = ""
		metrics.RaftIsLeader.WithLabelValues(rf.group).Set(0)
		rf.persist()
		return ok
	}

	if reply.Success {
		if len(args.Entries) > 0 {
			rf.nextIndex[server] = args.Entries[len(args.Entries)-1].Index + 1
			rf.matchIndex[server] = rf.nextIndex[server] - 1
		}
	} else {
		rf.nextIndex[server] = min(reply.NextTryIndex, rf.getLastLogIndex())
	}

	baseIndex := rf.log[0].Index
	for n := rf.getLastLogIndex(); n > rf.commitIndex && rf.log[n-baseIndex].Term == rf.currentTerm; n-- {
		count := 1
		for _, id := range rf.peerIDs {
			if id != rf.selfID && rf.matchIndex[id] >= n {
				count++
			}
		}
		if count > len(rf.peerIDs)/2 {
			rf.commitIndex = n
			go rf.applyLog()
			break
		}
	}
	return ok
}

// InstallSnapshotArgs carries a leader-pushed snapshot for a follower
// that has fallen too far behind the leader's trimmed log.
type InstallSnapshotArgs struct {
	Term              int
	LeaderID          string
	LastIncludedIndex int
	LastIncludedTerm  int
	Data              []byte
}

// InstallSnapshotReply is the follower's response.
type InstallSnapshotReply struct {
	Term int
}

// InstallSnapshot handles a leader-pushed snapshot. Wired end to end,
// but no subsystem currently produces a snapshot that would trigger it.
func (rf *Raft) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		return nil
	}
	if args.Term > rf.currentTerm {
		rf.state = StateFollower
		rf.currentTerm = args.Term
		rf.votedFor = ""
		rf.persist()
	}

	rf.chanHeartbeat <- true
	reply.Term = rf.currentTerm

	if args.LastIncludedIndex > rf.commitIndex {
		rf.trimLog(args.LastIncludedIndex, args.LastIncludedTerm)
		rf.lastApplied = args.LastIncludedIndex
		rf.commitIndex = args.LastIncludedIndex
		if err := rf.store.SaveStateAndSnapshot(rf.getRaftState(), args.Data); err != nil {
			log.WithComponent("raft").Error().Err(err).Str("group", rf.group).Msg("install snapshot save failed")
		}
		rf.chanApply <- ApplyMsg{UseSnapshot: true, Snapshot: args.Data}
	}
	return nil
}

// trimLog discards log entries up to lastIncludedIndex.
func (rf *Raft) trimLog(lastIncludedIndex, lastIncludedTerm int) {
	newLog := make([]LogEntry, 0, 1)
	newLog = append(newLog, LogEntry{Index: lastIncludedIndex, Term: lastIncludedTerm})

	for i := len(rf.log) - 1; i >= 0; i-- {
		if rf.log[i].Index == lastIncludedIndex && rf.log[i].Term == lastIncludedTerm {
			newLog = append(newLog, rf.log[i+1:]...)
			break
		}
	}
	rf.log = newLog
}

func (rf *Raft) sendInstallSnapshot(server string, args *InstallSnapshotArgs, reply *InstallSnapshotReply) bool {
	p, ok := rf.peer(server)
	if !ok {
		return false
	}
	ok = p.Call(rf.serviceMethod("InstallSnapshot"), args, reply)

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if !ok || rf.state != StateLeader || args.Term != rf.currentTerm {
		return ok
	}
	if reply.Term > rf.currentTerm {
		rf.currentTerm = reply.Term
		rf.state = StateFollower
		rf.votedFor = ""
		rf.persist()
		return ok
	}

	rf.nextIndex[server] = args.LastIncludedIndex + 1
	rf.matchIndex[server] = args.LastIncludedIndex
	return ok
}

// broadcastHeartbeat sends AppendEntries (or InstallSnapshot, if the
// follower has fallen behind the trimmed log) to every peer.
func (rf *Raft) broadcastHeartbeat() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	baseIndex := rf.log[0].Index
	snapshot := rf.store.ReadSnapshot()

	for _, id := range rf.peerIDs {
		if id == rf.selfID || rf.state != StateLeader {
			continue
		}
		if rf.nextIndex[id] > baseIndex {
			args := &AppendEntriesArgs{
				Term:         rf.currentTerm,
				LeaderID:     rf.selfID,
				PrevLogIndex: rf.nextIndex[id] - 1,
				LeaderCommit: rf.commitIndex,
			}
			if args.PrevLogIndex >= baseIndex {
				args.PrevLogTerm = rf.log[args.PrevLogIndex-baseIndex].Term
			}
			if rf.nextIndex[id] <= rf.getLastLogIndex() {
				args.Entries = rf.log[rf.nextIndex[id]-baseIndex:]
			}
			go rf.sendAppendEntries(id, args, &AppendEntriesReply{})
		} else {
			args := &InstallSnapshotArgs{
				Term:              rf.currentTerm,
				LeaderID:          rf.selfID,
				LastIncludedIndex: rf.log[0].Index,
				LastIncludedTerm:  rf.log[0].Term,
				Data:              snapshot,
			}
			go rf.sendInstallSnapshot(id, args, &InstallSnapshotReply{})
		}
	}
}

// Start proposes command as the next log entry. If this server isn't the
// leader it returns false immediately; there is no guarantee a proposed
// command ever commits, since this leader may lose its seat first.
func (rf *Raft) Start(command interface{}) (index int, term int, isLeader bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	index, term = -1, -1
	isLeader = rf.state == StateLeader
	if isLeader {
		term = rf.currentTerm
		index = rf.getLastLogIndex() + 1
		rf.log = append(rf.log, LogEntry{Index: index, Term: term, Command: command})
		rf.persist()
	}
	return index, term, isLeader
}

// Kill stops this Raft instance's run loop. Safe to call once.
func (rf *Raft) Kill() {
	close(rf.stop)
}

func (rf *Raft) randomElectionTimeout() time.Duration {
	span := rf.electionTimeoutMax - rf.electionTimeoutMin
	if span <= 0 {
		return rf.electionTimeoutMin
	}
	return rf.electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// Run drives the follower/candidate/leader state machine until Kill is
// called. Make starts this in its own goroutine.
func (rf *Raft) Run() {
	lg := log.WithComponent("raft")
	for {
		rf.mu.Lock()
		state := rf.state
		rf.mu.Unlock()

		switch state {
		case StateFollower:
			select {
			case <-rf.stop:
				return
			case <-rf.chanGrantVote:
			case <-rf.chanHeartbeat:
			case <-time.After(rf.randomElectionTimeout()):
				rf.mu.Lock()
				rf.state = StateCandidate
				rf.persist()
				rf.mu.Unlock()
			}
		case StateLeader:
			go rf.broadcastHeartbeat()
			select {
			case <-rf.stop:
				return
			case <-time.After(rf.heartbeatInterval):
			}
		case StateCandidate:
			rf.mu.Lock()
			rf.currentTerm++
			rf.votedFor = rf.selfID
			rf.voteCount = 1
			rf.persist()
			term := rf.currentTerm
			rf.mu.Unlock()
			lg.Debug().Str("group", rf.group).Int("term", term).Msg("starting election")
			go rf.broadcastRequestVote()

			select {
			case <-rf.stop:
				return
			case <-rf.chanHeartbeat:
				rf.mu.Lock()
				rf.state = StateFollower
				rf.mu.Unlock()
			case <-rf.chanWinElect:
			case <-time.After(rf.randomElectionTimeout()):
			}
		}

		rf.mu.Lock()
		metrics.RaftTerm.WithLabelValues(rf.group).Set(float64(rf.currentTerm))
		rf.mu.Unlock()
	}
}

// Make creates a Raft group member and registers its RPC service on tr
// under the name "Raft_<group>". peerIDs must list every member,
// including selfID, in the same order on every node. Make returns
// quickly; the run loop starts in its own goroutine.
func Make(selfID string, peerIDs []string, tr *transport.Transport, store *storage.RaftStore, group string,
	heartbeatInterval, electionTimeoutMin, electionTimeoutMax time.Duration, applyCh chan ApplyMsg) *Raft {

	me := -1
	for i, id := range peerIDs {
		if id == selfID {
			me = i
		}
	}

	rf := &Raft{
		group:              group,
		selfID:             selfID,
		peerIDs:            peerIDs,
		me:                 me,
		transport:          tr,
		store:              store,
		heartbeatInterval:  heartbeatInterval,
		electionTimeoutMin: electionTimeoutMin,
		electionTimeoutMax: electionTimeoutMax,
		state:              StateFollower,
		votedFor:           "",
		log:                []LogEntry{{Term: 0}},
		chanApply:          applyCh,
		chanGrantVote:      make(chan bool, 100),
		chanWinElect:       make(chan bool, 100),
		chanHeartbeat:      make(chan bool, 100),
		stop:               make(chan struct{}),
	}

	rf.readPersist(store.ReadRaftState())
	rf.recoverFromSnapshot(store.ReadSnapshot())
	rf.persist()

	if err := tr.RegisterName("Raft_"+group, rf); err != nil {
		log.WithComponent("raft").Error().Err(err).Str("group", group).Msg("register RPC service failed")
	}

	go rf.Run()
	return rf
}
