// Package hearthd implements the process lifecycle core of the hearthd
// automation runtime: the composition root that constructs, wires, starts
// and tears down the runtime's concurrent subsystems.
//
// The core is split between two collaborators. The Supervisor owns OS signal
// registration, the task loop and the single top-level failure boundary. The
// Runtime is the composition root: it builds every subsystem exactly once in
// a fixed dependency order, schedules their perpetual loops on the task loop
// and exposes coordinated Stop/Terminate.
//
// Basic usage:
//
//	cfg, httpCfg, err := hearthd.LoadConfigFile("hearthd.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	sup := hearthd.NewSupervisor(logger)
//	sup.InitSignals()
//	if err := sup.Run(context.Background(), cfg, httpCfg); err != nil {
//		os.Exit(1)
//	}
//
// Shutdown is cooperative throughout: Stop sets flags that each perpetual
// loop observes at its next iteration boundary, the Supervisor joins every
// scheduled task, and only then does Terminate release final resources.
package hearthd
