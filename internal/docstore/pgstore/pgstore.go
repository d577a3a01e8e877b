// Package pgstore はPostgreSQLのdocumentsテーブルを使うdocstore.Storeの実装を提供する。
//
// ライブ購読はLISTEN/NOTIFYで実現する。documentsテーブルのトリガーが
// docstore_changesチャネルへコレクション名を通知し、pq.Listenerが受信した通知ごとに
// 該当コレクションの購読クエリを再実行して全件スナップショットを配信する。
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/lib/pq"
)

// NotifyChannel はドキュメント変更を通知するチャネル名。
const NotifyChannel = "docstore_changes"

const (
	minReconnectInterval = 1 * time.Second
	maxReconnectInterval = 30 * time.Second
	pingInterval         = 90 * time.Second
	refreshTimeout       = 10 * time.Second
)

// Store はPostgreSQLをバックエンドとするドキュメントストア。
type Store struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	regs   map[uint64]*registration
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type registration struct {
	query  docstore.Query
	stream *docstore.Stream
	// refreshMu は同一購読のクエリ再実行を直列化し、スナップショットの順序を保つ。
	refreshMu sync.Mutex
}

// New はStoreを生成し、変更通知の受信を開始する。
// databaseURLはpq.Listener用の専用接続に使う。
func New(db *sql.DB, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger,
		regs:   make(map[uint64]*registration),
		done:   make(chan struct{}),
	}

	s.listener = pq.NewListener(databaseURL, minReconnectInterval, maxReconnectInterval, s.onListenerEvent)
	if err := s.listener.Listen(NotifyChannel); err != nil {
		s.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Close は通知の受信を停止し、全ての購読をキャンセルする。
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.wg.Wait()

		s.mu.Lock()
		regs := make([]*registration, 0, len(s.regs))
		for _, r := range s.regs {
			regs = append(regs, r)
		}
		s.mu.Unlock()
		for _, r := range regs {
			r.stream.Cancel()
		}
	})
	return err
}

// Create はUUIDを採番してドキュメントを作成する。
func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	raw, err := encodeFields(fields)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, clock_timestamp(), clock_timestamp())`,
		collection, id, raw,
	)
	if err != nil {
		return "", mapError("create", err)
	}
	return id, nil
}

// Set は指定IDのドキュメントを作成または置換する。置換時はcreated_atを保つ。
func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	raw, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, clock_timestamp(), clock_timestamp())
		 ON CONFLICT (collection, id) DO UPDATE SET
		   fields = EXCLUDED.fields,
		   updated_at = GREATEST(clock_timestamp(), documents.updated_at)`,
		collection, id, raw,
	)
	if err != nil {
		return mapError("set", err)
	}
	return nil
}

// Update はトップレベルのフィールドをjsonbの連結でマージする。値がnilのフィールドは削除する。
func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	set := make(docstore.Fields, len(fields))
	removed := []string{}
	for k, v := range fields {
		if v == nil {
			removed = append(removed, k)
			continue
		}
		set[k] = v
	}
	raw, err := encodeFields(set)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET fields = (fields || $3::jsonb) - $4::text[],
		     updated_at = GREATEST(clock_timestamp(), updated_at)
		 WHERE collection = $1 AND id = $2`,
		collection, id, raw, pq.Array(removed),
	)
	if err != nil {
		return mapError("update", err)
	}
	return requireAffected(res, collection, id)
}

// Delete はドキュメントを削除する。
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return mapError("delete", err)
	}
	return requireAffected(res, collection, id)
}

// Get は1件取得する。
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	var (
		doc docstore.Document
		raw []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, fields, created_at, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&doc.ID, &raw, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("get", err)
	}
	if doc.Fields, err = decodeFields(raw); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Query はクエリに一致するドキュメントをcreated_at降順で返す。
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	query, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query", err)
	}
	defer rows.Close()

	docs := make([]docstore.Document, 0)
	for rows.Next() {
		var (
			doc docstore.Document
			raw []byte
		)
		if err := rows.Scan(&doc.ID, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if doc.Fields, err = decodeFields(raw); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("query", err)
	}
	return docs, nil
}

// Listen はライブ購読を開始し、初回スナップショットを配信キューへ積む。
// 登録を先に行うため、初回クエリ中の変更も後続のスナップショットで反映される。
// ctxは初回クエリにのみ使い、購読はCancelまたはCloseまで継続する。
func (s *Store) Listen(ctx context.Context, q docstore.Query, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Registration, error) {
	if _, _, err := buildQuery(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	reg := &registration{query: q}
	reg.stream = docstore.NewStream(onSnapshot, onError, func() {
		s.mu.Lock()
		delete(s.regs, id)
		s.mu.Unlock()
	})
	// 初回配信が終わるまで通知による再実行を待たせる
	reg.refreshMu.Lock()
	s.regs[id] = reg
	s.mu.Unlock()
	defer reg.refreshMu.Unlock()

	docs, err := s.Query(ctx, q)
	if err != nil {
		reg.stream.Cancel()
		return nil, err
	}
	reg.stream.PushSnapshot(docs)
	return reg.stream, nil
}

// ListenerCount は有効な購読数を返す。
func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

func (s *Store) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// 再接続直後は取りこぼしがありうるため全購読を更新する
				s.refresh("")
				continue
			}
			s.refresh(n.Extra)
		case <-ticker.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Warn("docstore listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (s *Store) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Info("docstore listener connected")
	case pq.ListenerEventDisconnected:
		s.logger.Warn("docstore listener disconnected", slog.Any("error", err))
		s.broadcastError(fmt.Errorf("change feed disconnected: %w", docstore.ErrUnavailable))
	case pq.ListenerEventReconnected:
		s.logger.Info("docstore listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("docstore listener reconnect attempt failed", slog.Any("error", err))
	}
}

func (s *Store) snapshotRegs(collection string) []*registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		if collection == "" || r.query.Collection == collection {
			regs = append(regs, r)
		}
	}
	return regs
}

func (s *Store) broadcastError(err error) {
	for _, r := range s.snapshotRegs("") {
		r.stream.PushError(err)
	}
}

// refresh は指定コレクション（空なら全て）の購読クエリを再実行して配信する。
func (s *Store) refresh(collection string) {
	for _, r := range s.snapshotRegs(collection) {
		s.refreshOne(r)
	}
}

func (s *Store) refreshOne(r *registration) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if r.stream.Canceled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	docs, err := s.Query(ctx, r.query)
	if err != nil {
		s.logger.Warn("docstore listener refresh failed",
			slog.String("collection", r.query.Collection),
			slog.String("error", err.Error()),
		)
		r.stream.PushError(err)
		return
	}
	r.stream.PushSnapshot(docs)
}

// buildQuery はQueryをSQLに変換する。フィールド名もプレースホルダで渡す。
func buildQuery(q docstore.Query) (string, []any, error) {
	if q.Collection == "" {
		return "", nil, errors.New("pgstore: collection is required")
	}
	var sb strings.Builder
	sb.WriteString(`SELECT id, fields, created_at, updated_at FROM documents WHERE collection = $1`)
	args := []any{q.Collection}

	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	for _, f := range q.Filters {
		field := next(f.Field)
		switch f.Op {
		case docstore.OpEqual:
			v, ok := f.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("pgstore: %s filter on %s requires a string", f.Op, f.Field)
			}
			sb.WriteString(" AND fields->>" + field + "::text = " + next(v))
		case docstore.OpIn:
			v, ok := f.Value.([]string)
			if !ok {
				return "", nil, fmt.Errorf("pgstore: %s filter on %s requires []string", f.Op, f.Field)
			}
			sb.WriteString(" AND fields->>" + field + "::text = ANY(" + next(pq.Array(v)) + "::text[])")
		case docstore.OpHasKey:
			v, ok := f.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("pgstore: %s filter on %s requires a string", f.Op, f.Field)
			}
			sb.WriteString(" AND jsonb_exists(fields->" + field + "::text, " + next(v) + "::text)")
		default:
			return "", nil, fmt.Errorf("pgstore: unsupported operator %q", f.Op)
		}
	}
	sb.WriteString(" ORDER BY created_at DESC, id ASC")
	return sb.String(), args, nil
}

func encodeFields(fields docstore.Fields) ([]byte, error) {
	if fields == nil {
		fields = docstore.Fields{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return raw, nil
}

func decodeFields(raw []byte) (docstore.Fields, error) {
	var fields docstore.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	if fields == nil {
		fields = docstore.Fields{}
	}
	return fields, nil
}

func requireAffected(res sql.Result, collection, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return nil
}

// mapError はドライバーエラーをdocstoreのセンチネルエラーに変換する。
// コンテキストのキャンセル・タイムアウトはそのまま返す。
func mapError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("pgstore %s: %w", op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("pgstore %s: %w: %v", op, docstore.ErrAlreadyExists, err)
		case pqErr.Code == "42501":
			return fmt.Errorf("pgstore %s: %w: %v", op, docstore.ErrPermissionDenied, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("pgstore %s: %w: %v", op, docstore.ErrUnavailable, err)
		}
		return fmt.Errorf("pgstore %s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("pgstore %s: %w: %v", op, docstore.ErrUnavailable, err)
	}
	return fmt.Errorf("pgstore %s: %w", op, err)
}

var _ docstore.Store = (*Store)(nil)
