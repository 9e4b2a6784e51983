package bootstrap

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
	"github.com/xlaez/mnrt/sched"
)

const (
	reexecArenaFDEnv = "MNRT_ARENA_FD"
	reexecCoreEnv    = "MNRT_CORE_ID"
)

// ReexecWorkers launches one child process per remaining core (core 0
// stays in the calling process), each re-exec'ing the current binary with
// the arena's memfd inherited via ExtraFiles and its assigned core id
// passed through MNRT_CORE_ID.
//
// A child launched this way can run its own core's Scheduler and any
// thread bound to that core, but it cannot receive an unbound thread migrated from another
// core — migration here is a goroutine resume (sched.Thread's resume
// channel), and a goroutine cannot be handed to a different OS process.
// bootstrap.Start's single-process path is what actually backs arbitrary
// cross-core migration; see DESIGN.md's "Single-process cohort"
// resolution.
func ReexecWorkers(a *arena.Arena, cfg config.Config) ([]*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap: resolve re-exec binary path")
	}

	cmds := make([]*exec.Cmd, 0, cfg.CPUCores-1)
	for core := 1; core < cfg.CPUCores; core++ {
		cmd := exec.Command(self, "-mnrt-worker")
		cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(a.FD()), "mnrt-arena")}
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("%s=3", reexecArenaFDEnv),
			fmt.Sprintf("%s=%d", reexecCoreEnv, core),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return cmds, errors.Wrapf(err, "bootstrap: start worker for core %d", core)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// ReexecCoreFromEnv reports whether the calling process was launched by
// ReexecWorkers, and if so, which core it is responsible for.
func ReexecCoreFromEnv() (arena.CoreID, bool) {
	v, ok := os.LookupEnv(reexecCoreEnv)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return arena.CoreID(n), true
}

// WorkerMain is the re-exec'd child's entry point: map
// the inherited arena fd, register this process's pid for core, and run
// core's dispatch loop until the process is signaled to stop. It blocks
// until stop is closed.
func WorkerMain(core arena.CoreID, cfg config.Config, stop <-chan struct{}) error {
	fdStr, ok := os.LookupEnv(reexecArenaFDEnv)
	if !ok {
		return errors.New("bootstrap: worker re-exec missing " + reexecArenaFDEnv)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return errors.Wrap(err, "bootstrap: parse inherited arena fd")
	}

	a, err := arena.Open(fd)
	if err != nil {
		return errors.Wrap(err, "bootstrap: map inherited arena")
	}

	log := logrus.New().WithField("core", core).WithField("pid", os.Getpid())

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var set unix.CPUSet
	set.Set(int(core))
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.WithError(err).Debug("bootstrap: cpu pinning unavailable, continuing unpinned")
	}

	a.RegisterCore(core, os.Getpid(), a.PrivateQueueOffset(core))

	// The arena's heap, TCB pool, and thread table were already
	// initialized by StartMultiProcess in the original process before any
	// worker was spawned; a re-exec'd child only ever needs a Registry of
	// its own (the one goroutine-resume table that matters locally — see
	// this file's doc comment on why migration cannot reach a child
	// spawned this way) and a Scheduler to dispatch from core's private
	// and the shared ready queue.
	reg := sched.NewRegistry()
	s := sched.NewScheduler(a, core, reg, log)
	s.Run(stop)
	return nil
}
