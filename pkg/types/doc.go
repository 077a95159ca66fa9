/*
Package types defines the core data structures used throughout the
orchestrator.

This package contains the domain model shared by every other package:
worker profiles and instances, device-registry entries, jobs, and the
messages that flow through the message bus. These types are used for
state management, the bridge's wire protocol, and the workflow engine.

# Core Types

Worker identity and runtime state:
  - Profile: immutable declarative description of a kind of worker
  - Instance: runtime state of an active worker subprocess
  - Status: starting, ready, busy, error, stopped
  - ModelResolution: records how a symbolic model tag was resolved

Cross-process inventory:
  - DeviceEntry: a worker or session row in the device registry
  - Document: the on-disk JSON shape of the device registry file

Asynchronous work and messaging:
  - Job: an asynchronous unit of worker work with a terminal status
  - Message: an immutable post routed through the message bus

# Thread Safety

Types in this package carry no synchronization themselves; callers
(pkg/registry, pkg/jobs, pkg/messagebus) guard concurrent access.
*/
package types
