// Package version maps requested application versions to source snapshots
// by checking out release tags in a working tree.
package version

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Latest selects the working tree as-is.
const Latest = "latest"

var tagRe = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)$`)

// release is a parsed release tag.
type release struct {
	tag                 string
	major, minor, patch int
}

func parseTag(tag string) (release, bool) {
	m := tagRe.FindStringSubmatch(strings.TrimSpace(tag))
	if m == nil {
		return release{}, false
	}
	r := release{tag: strings.TrimSpace(tag)}
	r.major, _ = strconv.Atoi(m[1])
	r.minor, _ = strconv.Atoi(m[2])
	r.patch, _ = strconv.Atoi(m[3])
	return r, true
}

func (r release) less(o release) bool {
	if r.major != o.major {
		return r.major < o.major
	}
	if r.minor != o.minor {
		return r.minor < o.minor
	}
	return r.patch < o.patch
}

// FilterTags keeps release-shaped tags and reduces them to every M.m.0 tag
// plus the latest patch of each M.m line, sorted ascending. When both
// "vX.Y.Z" and "X.Y.Z" exist, the v-prefixed tag is kept.
func FilterTags(tags []string) []string {
	byNumber := make(map[[3]int]release)
	for _, t := range tags {
		r, ok := parseTag(t)
		if !ok {
			continue
		}
		key := [3]int{r.major, r.minor, r.patch}
		if prev, ok := byNumber[key]; ok && strings.HasPrefix(prev.tag, "v") {
			continue
		}
		byNumber[key] = r
	}

	latest := make(map[[2]int]release)
	for _, r := range byNumber {
		line := [2]int{r.major, r.minor}
		if cur, ok := latest[line]; !ok || cur.less(r) {
			latest[line] = r
		}
	}

	var keep []release
	for _, r := range byNumber {
		if r.patch == 0 || latest[[2]int{r.major, r.minor}].tag == r.tag {
			keep = append(keep, r)
		}
	}
	sort.Slice(keep, func(i, j int) bool { return keep[i].less(keep[j]) })

	out := make([]string, len(keep))
	for i, r := range keep {
		out[i] = r.tag
	}
	return out
}

// UnsupportedVersionError reports a version that is neither "latest" nor a
// supported release tag.
type UnsupportedVersionError struct {
	Requested string
	Supported []string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported version %q (supported: latest, %s)", e.Requested, strings.Join(e.Supported, ", "))
}

// SourceCheckoutFailedError reports a failed checkout of a release tag.
type SourceCheckoutFailedError struct {
	Version string
	Err     error
}

func (e *SourceCheckoutFailedError) Error() string {
	return fmt.Sprintf("checkout of %s failed: %v", e.Version, e.Err)
}

func (e *SourceCheckoutFailedError) Unwrap() error { return e.Err }

// treeLocks serializes checkouts per working tree across all resolvers.
var treeLocks sync.Map // cleaned absolute path -> *sync.Mutex

func lockFor(root string) *sync.Mutex {
	key := root
	if abs, err := filepath.Abs(root); err == nil {
		key = abs
	}
	key = filepath.Clean(key)
	mu, _ := treeLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Resolver resolves versions against one working tree.
type Resolver struct {
	root string
	vcs  VCS
	log  *zap.Logger
}

// NewResolver creates a Resolver for the working tree at root.
func NewResolver(root string, vcs VCS) *Resolver {
	return &Resolver{
		root: root,
		vcs:  vcs,
		log:  zap.L().With(zap.String("component", "version"), zap.String("root", root)),
	}
}

// Root returns the working tree path.
func (r *Resolver) Root() string { return r.root }

// ListVersions returns the supported release tags in ascending order.
func (r *Resolver) ListVersions(ctx context.Context) ([]string, error) {
	tags, err := r.vcs.ListTags(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "version: list tags")
	}
	return FilterTags(tags), nil
}

// Resolve maps version to the tag to check out. It returns "" for latest.
func (r *Resolver) Resolve(ctx context.Context, version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" || strings.EqualFold(version, Latest) {
		return "", nil
	}
	supported, err := r.ListVersions(ctx)
	if err != nil {
		return "", err
	}
	for _, tag := range supported {
		if tag == version || strings.TrimPrefix(tag, "v") == strings.TrimPrefix(version, "v") {
			return tag, nil
		}
	}
	return "", &UnsupportedVersionError{Requested: version, Supported: supported}
}

// WithVersion runs fn against the working tree checked out at version. The
// tree lock is held while fn runs, so a latest run never sees another
// caller's release checkout. For a release tag the lock covers the whole
// checkout, fn, restore sequence and the original ref is restored on every
// exit path, including a panic in fn. A restore failure is returned when fn
// itself succeeded.
func (r *Resolver) WithVersion(ctx context.Context, version string, fn func(root string) error) (err error) {
	tag, err := r.Resolve(ctx, version)
	if err != nil {
		return err
	}

	mu := lockFor(r.root)
	mu.Lock()
	defer mu.Unlock()

	if tag == "" {
		return fn(r.root)
	}

	original, err := r.vcs.CurrentRef(ctx)
	if err != nil {
		return &SourceCheckoutFailedError{Version: tag, Err: eris.Wrap(err, "read current ref")}
	}
	if err := r.vcs.Checkout(ctx, tag); err != nil {
		return &SourceCheckoutFailedError{Version: tag, Err: err}
	}
	r.log.Info("checked out version", zap.String("tag", tag), zap.String("previous", original))

	defer func() {
		// Restore even when ctx is already cancelled.
		restoreErr := r.vcs.Checkout(context.WithoutCancel(ctx), original)
		if restoreErr != nil {
			r.log.Error("restore of original ref failed", zap.String("ref", original), zap.Error(restoreErr))
			if err == nil {
				err = eris.Wrapf(restoreErr, "version: restore %s", original)
			}
			return
		}
		r.log.Info("restored original ref", zap.String("ref", original))
	}()

	return fn(r.root)
}
