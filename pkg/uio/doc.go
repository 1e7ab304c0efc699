/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package uio arbitrates the hardware resources Linux exposes through the
// userspace I/O framework.
//
// A Manager discovers the devices under /sys/class/uio once and opens them
// by name. Each Handle maps the device register window and, when present,
// its memory pool. Pool pages are reserved with Alloc and LockAt and
// returned with Free. Reservations are arbitrated between processes with
// fcntl record locks on the device node and between the handles of one
// process with a page table shared by all of them. Interrupts are awaited
// with Wait, which Cancel, Close or its context can end.
//
// Platform-specific helpers are in internal/uio.
package uio
