// Copyright 2024-2026 Aiku AI

// Package bridge implements the state-synchronization core of a
// Matrix-Discord bridge: the logic that decides, for a remote-side change
// (channel rename, icon change, topic change, profile change, membership
// change), what the mirrored Matrix representation should become, and
// applies that delta idempotently.
//
// # Core Types
//
// [ChannelSync] mirrors Discord channel attributes (name, topic, guild icon)
// onto linked Matrix rooms, gated per link by operator policy flags. Plans
// are computed by diffing against the link's last-synced snapshot, so
// reprocessing the same remote state is a no-op.
//
// [UserSync] mirrors Discord user profiles onto Matrix ghosts and fans
// per-guild nicknames out to every room linked to a guild. Member state
// events are debounced per (room, user) so only the most recent of a rapid
// burst is applied.
//
// [Unlinker] handles Discord channel deletion: evicting ghosts, prefixing
// name/topic, and for bridge-created rooms only, removing aliases,
// delisting, locking join rules and messaging. Manually provisioned
// (plumbed) rooms are exempt from the destructive steps.
//
// All three tolerate partial failure: each link, room, and attribute is its
// own failure domain, and unsynced state self-heals on the next pass by
// re-diffing rather than by explicit retries.
//
// The package talks to the platforms through the narrow [MatrixRoomAPI],
// [GhostIntent], and [RemoteSource] interfaces; [MatrixClient] and
// [DiscordSource] are the production implementations.
package bridge
