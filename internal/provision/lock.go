package provision

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gridkeeper/internal/remote"
	"gridkeeper/internal/state"
)

const (
	// An owner-less lock directory younger than this belongs to a deployer
	// that has not written its owner file yet.
	lockGraceMinutes = 2

	lockBusyAttempts = 20
	lockBusyBackoff  = 150 * time.Millisecond
)

// lockScript runs on the target as one shell invocation. Claiming is a plain
// mkdir. Breaking a stale lock, renewing one and releasing one all happen
// while holding the "<dir>.break" directory, and the holder is re-read under
// it, so a lock is only ever removed by the process that judged it stale.
//
// Output: "acquired", "released", "busy" or "held <owner> <unix expiry>".
const lockScript = `
b="$d.break"
holder= exp=

readowner() {
	holder= exp=
	if [ -f "$d/owner" ]; then read -r holder exp < "$d/owner" || true; fi
}

# breakable succeeds when no live owner other than me holds $d
breakable() {
	readowner
	if [ -z "$holder" ]; then
		[ ! -d "$d" ] || [ -n "$(find "$d" -prune -mmin +"$grace" 2>/dev/null)" ]
		return
	fi
	[ "$holder" = "$me" ] && return 0
	case "$exp" in ''|*[!0-9]*) return 0 ;; esac
	[ "$exp" -le "$now" ]
}

claim() {
	mkdir "$d" 2>/dev/null || return 1
	printf '%s %s\n' "$me" "$until" > "$d/.owner.$$" && mv -f "$d/.owner.$$" "$d/owner"
}

held() {
	readowner
	echo "held ${holder:-?} ${exp:-0}"
	exit 0
}

if [ "$op" = release ]; then
	mkdir "$b" 2>/dev/null || { echo busy; exit 0; }
	trap 'rmdir "$b" 2>/dev/null' EXIT
	readowner
	if [ "$holder" = "$me" ]; then rm -rf "$d"; fi
	echo released
	exit 0
fi

if claim; then echo acquired; exit 0; fi
breakable || held

if ! mkdir "$b" 2>/dev/null; then
	# a breaker that died keeps $b forever; reclaim it after the grace period
	if [ -n "$(find "$b" -prune -mmin +"$grace" 2>/dev/null)" ]; then rmdir "$b" 2>/dev/null; fi
	echo busy
	exit 0
fi
trap 'rmdir "$b" 2>/dev/null' EXIT

breakable || held
rm -rf "$d"
if claim; then echo acquired; exit 0; fi
held
`

// RemoteLock is a lock directory on the target host. mkdir is atomic, so only
// one deployer can create it; the owner file inside records who holds it and
// until when. Expiry is judged with the deployer's clock.
type RemoteLock struct {
	runner remote.Runner
	dir    string
	now    func() time.Time
}

// NewRemoteLock creates a lock for a service on the target
func NewRemoteLock(runner remote.Runner, service string) *RemoteLock {
	return &RemoteLock{
		runner: runner,
		dir:    "/tmp/.gridkeeper-" + service + ".lock",
		now:    time.Now,
	}
}

// Acquire takes the lock for owner. A lock held by owner is renewed; an
// expired lock is broken.
func (l *RemoteLock) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	for attempt := 0; attempt < lockBusyAttempts; attempt++ {
		now := l.now()
		out, err := l.exec(ctx, "acquire", owner, now, now.Add(ttl))
		if err != nil {
			return err
		}
		switch {
		case out == "acquired":
			return nil
		case strings.HasPrefix(out, "held "):
			holder, until := parseOwner(strings.TrimPrefix(out, "held "))
			return &state.LockedError{Target: l.dir, Owner: holder, Expires: until}
		case out != "busy":
			return fmt.Errorf("unexpected remote lock output %q", out)
		}
		if err := sleepCtx(ctx, lockBusyBackoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("remote lock %s stayed busy", l.dir)
}

// Release removes the lock if owner holds it
func (l *RemoteLock) Release(ctx context.Context, owner string) error {
	for attempt := 0; attempt < lockBusyAttempts; attempt++ {
		out, err := l.exec(ctx, "release", owner, l.now(), time.Time{})
		if err != nil {
			return err
		}
		if out == "released" {
			return nil
		}
		if err := sleepCtx(ctx, lockBusyBackoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("remote lock %s stayed busy", l.dir)
}

func (l *RemoteLock) exec(ctx context.Context, op, owner string, now, until time.Time) (string, error) {
	vars := fmt.Sprintf("op=%s d=%s me=%s now=%d until=%d grace=%d\n",
		op, remote.Quote(l.dir), remote.Quote(owner), now.Unix(), until.Unix(), lockGraceMinutes)
	res, err := remote.Exec(ctx, l.runner, "sh -c "+remote.Quote(vars+lockScript))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// parseOwner reads "<owner> <unix expiry>". "?" stands for a lock whose owner
// file is not written yet.
func parseOwner(s string) (string, time.Time) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", time.Time{}
	}
	holder := fields[0]
	if holder == "?" {
		holder = "(initialising)"
	}
	secs, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return holder, time.Time{}
	}
	return holder, time.Unix(secs, 0)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
