package orchestrator

import (
	"time"

	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/models"
	"github.com/Ebullioscopic/WaterDrop/transfer"
)

func (o *Orchestrator) handleDiscoveryEvent(ev discovery.Event) {
	if ev.Type == discovery.EventPeerUpserted {
		o.recordSighting(ev.Peer)
	}
	o.emit(Event{Type: EventPeers, Peers: o.opts.Discovery.Peers()})
}

func (o *Orchestrator) recordSighting(peer discovery.Peer) {
	sink, ok := o.opts.History.(SightingSink)
	if !ok {
		return
	}
	address := ""
	if len(peer.Addresses) > 0 {
		address = peer.Addresses[0]
	}
	err := sink.UpsertPeerSighting(models.PeerSighting{
		DeviceID:     peer.ID,
		DeviceName:   peer.DisplayName,
		Address:      address,
		Port:         peer.Port,
		Capabilities: peer.Capabilities,
		LastSeen:     peer.LastSeen,
	})
	if err != nil {
		o.logger.Warn("record peer sighting", "peer_id", peer.ID, "error", err)
	}
}

func (o *Orchestrator) handleEngineEvent(ev transfer.Event) {
	snap := ev.Session
	out := Event{
		SessionID: snap.ID,
		FileName:  snap.FileName,
		Direction: snap.Direction,
		Fraction:  snap.Progress(),
		Bytes:     snap.BytesTransferred,
		Size:      snap.FileSize,
		Checksum:  snap.Checksum,
		Path:      snap.LocalPath,
	}
	if a := o.current; a != nil {
		out.PeerID = a.peerID
	}

	switch ev.Type {
	case transfer.EventState:
		if snap.State == transfer.StateTransferring && o.state == StateConnected {
			o.setState(StateTransferring)
		}
		return
	case transfer.EventProgress:
		out.Type = EventProgress
		o.emit(out)
		return
	case transfer.EventCompleted:
		out.Type = EventCompleted
		o.emit(out)
		o.recordCompleted(snap)
	case transfer.EventFailed:
		out.Type = EventFailed
		if snap.Err != nil {
			out.Reason = snap.Err.Error()
		}
		o.emit(out)
	case transfer.EventCancelled:
		out.Type = EventCancelled
		o.emit(out)
	}

	delete(o.sessions, snap.ID)
	if o.state == StateTransferring && o.opts.Engine.Active() == 0 {
		o.setState(StateConnected)
	}
}

func (o *Orchestrator) recordCompleted(snap transfer.Snapshot) {
	if o.opts.History == nil {
		return
	}
	meta, known := o.sessions[snap.ID]
	if !known && o.current != nil {
		meta = sessionMeta{peerID: o.current.peerID, peerName: o.current.peerName}
	}

	item := models.TransferItem{
		ID:                 snap.ID,
		PeerID:             meta.peerID,
		PeerName:           meta.peerName,
		FileName:           snap.FileName,
		FileSizeBytes:      snap.FileSize,
		Direction:          models.Direction(snap.Direction),
		Checksum:           snap.Checksum,
		ChecksumAlgorithm:  snap.ChecksumAlgorithm,
		TimestampCompleted: snap.UpdatedAt,
		LocalPath:          snap.LocalPath,
	}
	if snap.Direction == transfer.DirectionOutbound {
		item.LocalPath = meta.sourcePath
	}
	if item.TimestampCompleted.IsZero() {
		item.TimestampCompleted = time.Now()
	}
	if err := o.opts.History.RecordTransfer(item); err != nil {
		o.logger.Warn("record transfer history", "session_id", snap.ID, "error", err)
		o.emitError(err)
	}
}
