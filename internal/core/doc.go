// Package core implements the provisioning cache: fingerprinting a step's
// environment, restoring or populating its folder, verifying the result, and
// running a TaskRun's payload once every step is provisioned.
//
// Process spawning is behind CommandRunner so every stage can be exercised
// with a scripted runner in tests.
package core
