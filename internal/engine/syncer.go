package engine

import (
	"errors"
	"fmt"
	"time"

	"mt5-cycles-bot-go/internal/cycles"
	"mt5-cycles-bot-go/internal/metrics"
	"mt5-cycles-bot-go/internal/models"
	"mt5-cycles-bot-go/internal/persistence"
	"mt5-cycles-bot-go/internal/pocketbase"

	"go.uber.org/zap"
)

// Syncer 负责把本地周期状态推送到 PocketBase, 并维护本地
// Badger 快照和未确认写入的日志。远端写入失败不会丢状态:
// 改动留在脏集合里, 下一轮重试。
type Syncer struct {
	cfg    *models.Config
	logger *zap.SugaredLogger

	pb       pocketbase.Gateway
	repo     persistence.StateRepository
	cycleMgr *cycles.Manager
	tracker  *cycles.LossTracker

	lossRemoteID string
	journalSeq   int64
}

// NewSyncer 创建同步器。repo 可以为 nil (纯内存运行, 测试用)。
func NewSyncer(cfg *models.Config, logger *zap.SugaredLogger, pb pocketbase.Gateway,
	repo persistence.StateRepository, cycleMgr *cycles.Manager, tracker *cycles.LossTracker) *Syncer {
	return &Syncer{
		cfg:      cfg,
		logger:   logger,
		pb:       pb,
		repo:     repo,
		cycleMgr: cycleMgr,
		tracker:  tracker,
	}
}

// Flush 把所有脏周期和脏账本推送到远端。
// 单条记录的失败记日志后继续处理其余记录, 最后汇总返回。
func (s *Syncer) Flush() error {
	var firstErr error

	for _, c := range s.cycleMgr.Dirty() {
		if err := s.syncCycle(c); err != nil {
			s.logger.Warnf("同步周期 %s 失败: %v", c.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if s.tracker.Dirty() {
		if err := s.syncLosses(); err != nil {
			s.logger.Warnf("同步亏损账本失败: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.drainJournal()
	return firstErr
}

// SyncCycleNow 绕过批处理, 立即同步一个周期。
// 周期关闭等关键状态变化必须走这里。
func (s *Syncer) SyncCycleNow(c *cycles.Cycle) {
	if err := s.syncCycle(c); err != nil {
		s.logger.Warnf("立即同步周期 %s 失败, 已记入日志待重试: %v", c.ID, err)
		metrics.SyncFailures.Inc()
		s.journalCycle(c)
	}
}

// syncCycle 创建或更新一条远端周期记录。
// 远端 404 意味着记录被外部删除: 重建记录并重新挂接 remote_id。
func (s *Syncer) syncCycle(c *cycles.Cycle) error {
	var rec models.CycleRecord
	var remoteID string
	s.cycleMgr.WithLock(func() {
		rec = c.Record()
		remoteID = c.RemoteID
	})

	data, err := pocketbase.ToMap(rec)
	if err != nil {
		return fmt.Errorf("encode cycle %s: %w", c.ID, err)
	}

	if remoteID == "" {
		id, err := s.pb.CreateRecord(s.cfg.CyclesCollection, data)
		if err != nil {
			return err
		}
		s.relink(c, id)
		return nil
	}

	err = s.pb.UpdateRecord(s.cfg.CyclesCollection, remoteID, data)
	if errors.Is(err, pocketbase.ErrRecordNotFound) {
		s.logger.Warnf("周期 %s 的远端记录 %s 已不存在, 重建", c.ID, remoteID)
		id, cerr := s.pb.CreateRecord(s.cfg.CyclesCollection, data)
		if cerr != nil {
			return cerr
		}
		s.relink(c, id)
		return nil
	}
	if err != nil {
		return err
	}

	s.cycleMgr.WithLock(func() { c.ClearDirty() })
	return nil
}

// relink 在创建成功后写回 remote_id 并清脏。
func (s *Syncer) relink(c *cycles.Cycle, remoteID string) {
	s.cycleMgr.WithLock(func() {
		c.RemoteID = remoteID
		c.ClearDirty()
	})
}

// syncLosses 推送全局亏损账本, 首次推送创建记录。
func (s *Syncer) syncLosses() error {
	snap := s.tracker.Snapshot()
	data, err := pocketbase.ToMap(snap)
	if err != nil {
		return fmt.Errorf("encode loss snapshot: %w", err)
	}

	if s.lossRemoteID == "" {
		filter := fmt.Sprintf("bot_id='%s' && account_id='%s' && symbol='%s'",
			snap.BotID, snap.AccountID, snap.Symbol)
		existing, qerr := s.pb.QueryRecords(s.cfg.LossesCollection, filter, "")
		if qerr == nil && len(existing) > 0 {
			s.lossRemoteID = existing[0].ID()
		}
	}

	if s.lossRemoteID == "" {
		id, err := s.pb.CreateRecord(s.cfg.LossesCollection, data)
		if err != nil {
			return err
		}
		s.lossRemoteID = id
		s.tracker.ClearDirty()
		return nil
	}

	err = s.pb.UpdateRecord(s.cfg.LossesCollection, s.lossRemoteID, data)
	if errors.Is(err, pocketbase.ErrRecordNotFound) {
		s.lossRemoteID = ""
		id, cerr := s.pb.CreateRecord(s.cfg.LossesCollection, data)
		if cerr != nil {
			return cerr
		}
		s.lossRemoteID = id
		err = nil
	}
	if err != nil {
		return err
	}
	s.tracker.ClearDirty()
	return nil
}

// journalCycle 把一次失败的关键写入记到本地日志, 重启后也不会丢。
func (s *Syncer) journalCycle(c *cycles.Cycle) {
	if s.repo == nil {
		return
	}
	var rec models.CycleRecord
	s.cycleMgr.WithLock(func() { rec = c.Record() })

	data, err := pocketbase.ToMap(rec)
	if err != nil {
		s.logger.Errorf("周期 %s 无法编码进日志: %v", c.ID, err)
		return
	}

	s.journalSeq++
	entry := persistence.PendingEntry{
		ID:         fmt.Sprintf("%s-%d", c.ID, s.journalSeq),
		Collection: s.cfg.CyclesCollection,
		RecordID:   rec.RemoteID,
		Action:     persistence.ActionUpdate,
		Payload:    data,
		QueuedAt:   time.Now(),
	}
	if rec.RemoteID == "" {
		entry.Action = persistence.ActionCreate
	}
	if err := s.repo.AppendPending(entry); err != nil {
		s.logger.Errorf("写入待同步日志失败: %v", err)
	}
}

// drainJournal 重放本地日志里积压的远端写入, 成功一条删一条。
func (s *Syncer) drainJournal() {
	if s.repo == nil {
		return
	}
	entries, err := s.repo.PendingEntries()
	if err != nil {
		s.logger.Warnf("读取待同步日志失败: %v", err)
		return
	}

	for _, entry := range entries {
		var err error
		switch entry.Action {
		case persistence.ActionCreate:
			_, err = s.pb.CreateRecord(entry.Collection, entry.Payload)
		case persistence.ActionUpdate:
			err = s.pb.UpdateRecord(entry.Collection, entry.RecordID, entry.Payload)
			if errors.Is(err, pocketbase.ErrRecordNotFound) {
				_, err = s.pb.CreateRecord(entry.Collection, entry.Payload)
			}
		case persistence.ActionDelete:
			err = s.pb.DeleteRecord(entry.Collection, entry.RecordID)
		}
		if err != nil {
			// 远端仍不可用, 留到下一轮
			return
		}
		if rerr := s.repo.RemovePending(entry.ID); rerr != nil {
			s.logger.Warnf("删除日志条目 %s 失败: %v", entry.ID, rerr)
		}
	}
}

// SnapshotLocal 把当前全部状态写入本地 Badger 快照。
func (s *Syncer) SnapshotLocal() {
	if s.repo == nil {
		return
	}

	all := s.cycleMgr.All()
	records := make([]models.CycleRecord, 0, len(all))
	s.cycleMgr.WithLock(func() {
		for _, c := range all {
			records = append(records, c.Record())
		}
	})

	snap := &persistence.Snapshot{
		Cycles:  records,
		Losses:  s.tracker.Snapshot(),
		SavedAt: time.Now(),
	}
	if err := s.repo.SaveSnapshot(snap); err != nil {
		s.logger.Warnf("保存本地快照失败: %v", err)
	}
}

// Restore 从本地快照恢复周期状态, 用于进程重启。
func (s *Syncer) Restore() error {
	if s.repo == nil {
		return nil
	}
	snap, err := s.repo.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	restored := 0
	for _, rec := range snap.Cycles {
		if rec.IsClosed {
			continue
		}
		s.cycleMgr.Adopt(cycles.FromRecord(rec, s.cfg))
		restored++
	}
	s.logger.Infof("从本地快照恢复了 %d 个活动周期 (快照时间 %s)",
		restored, snap.SavedAt.Format(time.RFC3339))
	return nil
}
