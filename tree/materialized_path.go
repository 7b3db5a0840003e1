package tree

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
)

// pathStrategy stores the chain from the forest root to each node in a
// separator terminated path string.
type pathStrategy struct {
	nodeTable
	locker Locker
}

func (s *pathStrategy) Name() mapping.StrategyType { return mapping.MaterializedPath }

func (s *pathStrategy) WatchedFields() []string {
	if s.cfg.PathSource == s.cfg.Identifier {
		return nil
	}
	return []string{s.cfg.PathSource}
}

func (s *pathStrategy) segment(n *repository.Node) (string, error) {
	var seg string
	if s.cfg.PathSource == s.cfg.Identifier {
		seg = strconv.FormatInt(n.ID, 10)
	} else {
		seg = n.String(s.cfg.PathSource)
		if s.cfg.PathAppendID {
			seg += "-" + strconv.FormatInt(n.ID, 10)
		}
	}
	if seg == "" {
		return "", fmt.Errorf("%w: empty path segment for %s %d", ErrInvalidArgument, s.cfg.Class, n.ID)
	}
	if strings.Contains(seg, s.cfg.PathSeparator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
	}
	return seg, nil
}

func (s *pathStrategy) pathColumn() string { return s.column(s.cfg.Path) }

func (s *pathStrategy) storedPath(ctx context.Context, exec repository.Executor, id int64) (string, error) {
	row, err := s.storedRow(ctx, exec, id, s.pathColumn())
	if err != nil {
		return "", err
	}
	p, _ := query.Normalize(row[s.pathColumn()]).(string)
	return p, nil
}

// computePath derives the path of n from the stored path of its parent.
func (s *pathStrategy) computePath(ctx context.Context, exec repository.Executor, n *repository.Node) (string, error) {
	seg, err := s.segment(n)
	if err != nil {
		return "", err
	}
	parent := n.Ref(s.cfg.Parent)
	if parent == nil {
		return seg + s.cfg.PathSeparator, nil
	}
	parentPath, err := s.storedPath(ctx, exec, *parent)
	if err != nil {
		return "", err
	}
	if parentPath == "" {
		return "", fmt.Errorf("parent %d of %s %d has no path", *parent, s.cfg.Class, n.ID)
	}
	return parentPath + seg + s.cfg.PathSeparator, nil
}

func (s *pathStrategy) level(path string) int64 {
	return int64(strings.Count(path, s.cfg.PathSeparator))
}

func (s *pathStrategy) lockKey(path string) string {
	root := path
	if i := strings.Index(path, s.cfg.PathSeparator); i >= 0 {
		root = path[:i]
	}
	return s.cfg.RootClass + ":" + root
}

// lockRoot takes the lock of the tree holding path for the rest of the
// session's transaction.
func (s *pathStrategy) lockRoot(ctx context.Context, sess *session.Session, path string) error {
	if !s.cfg.ActivateLocking || path == "" {
		return nil
	}
	key := s.lockKey(path)
	owner := sess.ID()
	acquired, err := s.locker.Lock(ctx, key, owner, s.cfg.LockingTimeout)
	if err != nil {
		return err
	}
	if acquired {
		sess.AfterCompletion(func(ctx context.Context, _ bool) {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), key, owner); err != nil {
				sess.Logger().Warn().Err(err).Str("lock", key).Msg("unlock failed")
			}
		})
	}
	return nil
}

func (s *pathStrategy) collides(ctx context.Context, exec repository.Executor, path string, self int64) error {
	n, err := exec.Count(ctx, query.From(s.table).Filter(query.And{
		query.Prefix{Column: s.pathColumn(), Value: path},
		query.Ne{Column: s.id, Value: self},
	}))
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %q is already used by %s", ErrPathCollision, path, s.cfg.Class)
	}
	return nil
}

func (s *pathStrategy) ProcessInsert(ctx context.Context, sess *session.Session, n *repository.Node) error {
	exec := sess.Executor()
	path, err := s.computePath(ctx, exec, n)
	if err != nil {
		return err
	}
	if err := s.lockRoot(ctx, sess, path); err != nil {
		return err
	}
	if err := s.collides(ctx, exec, path, n.ID); err != nil {
		return err
	}
	values := map[string]any{s.cfg.Path: path}
	if s.cfg.HasLevel() {
		values[s.cfg.Level] = s.level(path)
	}
	return s.setFields(ctx, sess, n, values)
}

// CheckMove runs before the moved node is written: it locks the tree the
// node leaves and makes sure nobody rewrote its path since it was loaded.
func (s *pathStrategy) CheckMove(ctx context.Context, sess *session.Session, mv Move) error {
	loaded, _ := query.Normalize(mv.Original[s.cfg.Path]).(string)
	if err := s.lockRoot(ctx, sess, loaded); err != nil {
		return err
	}
	stored, err := s.storedPath(ctx, sess.Executor(), mv.Node.ID)
	if err != nil {
		return err
	}
	if loaded != "" && stored != loaded {
		return fmt.Errorf("%w: %s %d path is %q, expected %q", ErrConcurrentModification, s.cfg.Class, mv.Node.ID, stored, loaded)
	}
	return nil
}

func (s *pathStrategy) ProcessMove(ctx context.Context, sess *session.Session, mv Move) error {
	exec := sess.Executor()
	n := mv.Node

	oldPath, err := s.storedPath(ctx, exec, n.ID)
	if err != nil {
		return err
	}
	// Earlier moves of this flush rewrite the recorded original along with
	// the stored path.
	if expected, ok := query.Normalize(sess.Original(n, s.cfg.Path)).(string); ok && expected != "" && expected != oldPath {
		return fmt.Errorf("%w: %s %d path is %q, expected %q", ErrConcurrentModification, s.cfg.Class, n.ID, oldPath, expected)
	}
	newPath, err := s.computePath(ctx, exec, n)
	if err != nil {
		return err
	}
	if newPath == oldPath {
		return nil
	}
	if oldPath != "" && strings.HasPrefix(newPath, oldPath) {
		return ErrCyclicMove
	}

	if err := s.lockRoot(ctx, sess, oldPath); err != nil {
		return err
	}
	if err := s.lockRoot(ctx, sess, newPath); err != nil {
		return err
	}
	if err := s.collides(ctx, exec, newPath, n.ID); err != nil {
		return err
	}

	if oldPath == "" {
		values := map[string]any{s.cfg.Path: newPath}
		if s.cfg.HasLevel() {
			values[s.cfg.Level] = s.level(newPath)
		}
		return s.setFields(ctx, sess, n, values)
	}

	sets := []query.Assignment{query.ReplacePrefix{Column: s.pathColumn(), Old: oldPath, New: newPath}}
	fields := []string{s.cfg.Path}
	if s.cfg.HasLevel() {
		if delta := s.level(newPath) - s.level(oldPath); delta != 0 {
			sets = append(sets, query.Add{Column: s.column(s.cfg.Level), Delta: delta})
		}
		fields = append(fields, s.cfg.Level)
	}
	if err := s.bulkUpdate(ctx, sess, sets, query.Prefix{Column: s.pathColumn(), Value: oldPath}); err != nil {
		return err
	}
	return s.refreshManaged(ctx, sess, fields...)
}

func (s *pathStrategy) ProcessDelete(ctx context.Context, sess *session.Session, n *repository.Node) error {
	path := n.String(s.cfg.Path)
	if path == "" {
		return nil
	}
	if err := s.lockRoot(ctx, sess, path); err != nil {
		return err
	}
	exec := sess.Executor()
	within := query.Prefix{Column: s.pathColumn(), Value: path}
	ids, err := s.idsWhere(ctx, exec, within)
	if err != nil {
		return err
	}
	if _, err := exec.Delete(ctx, s.table, within); err != nil {
		return err
	}
	sess.DetachIDs(s.cfg.RootClass, ids)
	return nil
}
