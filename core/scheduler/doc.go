// Package scheduler evaluates per-device time and condition based rules.
//
// Three schedule variants are supported:
//   - time_window: applies action_in_window inside the window and
//     action_outside_window outside of it
//   - time_block: forces the device off inside the window and yields no
//     decision outside of it
//   - conditional: inside the window all conditions must hold against the
//     current energy snapshot, otherwise the device is forced off
//
// When several schedules target the same device, force_off dominates
// force_on which dominates allow.
package scheduler
