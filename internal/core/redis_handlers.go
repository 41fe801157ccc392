package core

import (
	"fmt"

	"bms-service/internal/messaging"
)

func (s *BMSSystem) handleTsRequest(on bool) error {
	if on {
		s.logger.Infof("Tractive system on requested")
	} else {
		s.logger.Infof("Tractive system off requested")
	}
	s.RequestTs(on)
	return nil
}

func (s *BMSSystem) handleBalancingRequest(cmd messaging.BalancingCommand) error {
	if cmd.Start {
		s.logger.Infof("Balancing start requested: target=%s threshold=%s", cmd.Target, cmd.Threshold)
	} else {
		s.logger.Infof("Balancing stop requested")
	}
	s.RequestBalancing(cmd.Start, cmd.Target, cmd.Threshold)
	return nil
}

func (s *BMSSystem) handleFaultAck() error {
	s.logger.Infof("Fault acknowledgement requested")
	s.AcknowledgeFaults()
	return nil
}

// handleCellboardUpdate pulls a board's hash after its announcement.
func (s *BMSSystem) handleCellboardUpdate(board int) error {
	if board < 0 || board >= s.cfg.Pack.Boards {
		return fmt.Errorf("cellboard %d is not part of the pack", board)
	}
	cb, err := s.redis.ReadCellboard(board)
	if err != nil {
		return err
	}
	return s.store.Update(cb, s.clock.Now())
}
