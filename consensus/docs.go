package consensus

//
//                         +-------------------------------------+
//                         v                                     |(Wait til `CommitTime+timeoutCommit`)
//                   +-----------+                         +-----+-----+
//      +----------> |  Propose  +--------------+          | NewHeight |
//      |            +-----------+              |          +-----------+
//      |                                       |                ^
//      |(Else, after timeoutPrecommit)         v                |
//+-----+-----+                           +-----------+          |
//| Precommit |  <------------------------+  Prevote  |          |
//+-----+-----+                           +-----------+          |
//      |(When +2/3 Precommits for block found)                  |
//      v                                                        |
//+--------------------------------------------------------------------+
//|  Commit                                                            |
//|                                                                    |
//|  * Aggregate the +2/3 precommits into a CommitProof;               |
//|  * Under CommitLock: apply txs, save state, save commit;           |
//|  * Schedule timeoutCommit, then advance the RoundStateRepository;  |
//+--------------------------------------------------------------------+
//
// f+1 prevotes or precommits in a higher round skip straight to that round.

//ConsensusState - 共识状态机，负责共识逻辑的推进，main goroutine
//	- RoundStateRepository - 当前高度所有轮次的RoundState，以及锁定/valid的区块
//	- Processors - 提案、投票、commit进入状态机之前的验证，失败返回RejectedError
//	- Aggregator - 把+2/3的投票聚合为bls签名，用作commit证明和lock proof
//	- FutureBuffer - 更高高度的消息，进入新高度后重新处理
//	- BlockExecutor - 负责执行可以提交的区块、或者和mempool打包区块
//		- KVStore - 应用状态
//		- Mempool - 交易缓存池
//	- ConsensusStore - 提案、投票、快照、commit的持久化，重启时由Bootstrapper恢复
//	- Reactor - 转发共识接受的消息，用StatusMessage/CommitMessage帮助落后的节点追赶
