package redis

const (
	// putSessionScript writes a session hash and its user and expiry indexes
	putSessionScript = `
local session_key = KEYS[1]     -- voxquota:session:{id}
local user_set = KEYS[2]        -- voxquota:sessions:user:{userID}
local expiry_index = KEYS[3]    -- voxquota:sessions:expiry

local session_id = ARGV[1]
local expiry_score = ARGV[2]

redis.call('HSET', session_key, unpack(ARGV, 3))
redis.call('SADD', user_set, session_id)
redis.call('ZADD', expiry_index, expiry_score, session_id)

return 'OK'
`

	// patchSessionScript updates fields of an existing session only
	patchSessionScript = `
local session_key = KEYS[1]     -- voxquota:session:{id}
local expiry_index = KEYS[2]    -- voxquota:sessions:expiry

local session_id = ARGV[1]
local expiry_score = ARGV[2]    -- empty when the expiry is unchanged

if redis.call('EXISTS', session_key) == 0 then
  return 0
end

if #ARGV > 2 then
  redis.call('HSET', session_key, unpack(ARGV, 3))
end

if expiry_score ~= '' then
  redis.call('ZADD', expiry_index, expiry_score, session_id)
end

return 1
`

	// deleteSessionScript removes a session and its index entries
	deleteSessionScript = `
local session_key = KEYS[1]     -- voxquota:session:{id}
local expiry_index = KEYS[2]    -- voxquota:sessions:expiry

local session_id = ARGV[1]
local user_prefix = ARGV[2]     -- voxquota:sessions:user:

local user_id = redis.call('HGET', session_key, 'user_id')
redis.call('DEL', session_key)
redis.call('ZREM', expiry_index, session_id)
if user_id then
  redis.call('SREM', user_prefix .. user_id, session_id)
end

return 1
`

	// deleteExpiredScript removes every session whose expiry score is
	// strictly below the bound and returns how many were removed
	deleteExpiredScript = `
local expiry_index = KEYS[1]    -- voxquota:sessions:expiry

local bound = ARGV[1]           -- exclusive upper bound, "(<score>"
local session_prefix = ARGV[2]  -- voxquota:session:
local user_prefix = ARGV[3]     -- voxquota:sessions:user:

local ids = redis.call('ZRANGEBYSCORE', expiry_index, '-inf', bound)
for _, id in ipairs(ids) do
  local session_key = session_prefix .. id
  local user_id = redis.call('HGET', session_key, 'user_id')
  redis.call('DEL', session_key)
  if user_id then
    redis.call('SREM', user_prefix .. user_id, id)
  end
  redis.call('ZREM', expiry_index, id)
end

return #ids
`
)
